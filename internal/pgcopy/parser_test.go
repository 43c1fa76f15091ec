package pgcopy

import (
	"reflect"
	"testing"
)

func strp(s string) *string { return &s }

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []*string
	}{
		{
			name: "simple fields",
			line: "1\ta\t2",
			want: []*string{strp("1"), strp("a"), strp("2")},
		},
		{
			name: "null marker",
			line: "1\t\\N\t2",
			want: []*string{strp("1"), nil, strp("2")},
		},
		{
			name: "escaped tab inside value",
			line: "1\ta\\tb\t2",
			want: []*string{strp("1"), strp("a\tb"), strp("2")},
		},
		{
			name: "escaped newline and backslash",
			line: `1\na\\b`,
			want: []*string{strp("1\na\\b")},
		},
		{
			name: "empty field is not null",
			line: "1\t\t2",
			want: []*string{strp("1"), strp(""), strp("2")},
		},
		{
			name: "octal escape",
			line: `a\001b`,
			want: []*string{strp("a\x01b")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLine([]byte(tt.line))
			if err != nil {
				t.Fatalf("ParseLine() error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseLine() = %d fields, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if (got[i] == nil) != (tt.want[i] == nil) {
					t.Errorf("field %d: got nil=%v, want nil=%v", i, got[i] == nil, tt.want[i] == nil)
					continue
				}
				if got[i] != nil && *got[i] != *tt.want[i] {
					t.Errorf("field %d = %q, want %q", i, *got[i], *tt.want[i])
				}
			}
		})
	}
}

func TestParseLine_TrailingBackslashError(t *testing.T) {
	_, err := ParseLine([]byte(`a\`))
	if err == nil {
		t.Fatal("expected error for trailing backslash")
	}
}

func TestTruncateOrPad(t *testing.T) {
	in := []*string{strp("a"), strp("b"), strp("c")}

	got := TruncateOrPad(in, 2)
	want := []*string{strp("a"), strp("b")}
	if len(got) != len(want) || *got[0] != *want[0] || *got[1] != *want[1] {
		t.Errorf("truncate: got %v", got)
	}

	got = TruncateOrPad(in, 5)
	if len(got) != 5 {
		t.Fatalf("pad: got %d fields, want 5", len(got))
	}
	if got[3] != nil || got[4] != nil {
		t.Errorf("pad: expected nil fill, got %v %v", got[3], got[4])
	}
	if !reflect.DeepEqual(got[:3], in) {
		t.Errorf("pad: prefix mismatch: %v vs %v", got[:3], in)
	}
}
