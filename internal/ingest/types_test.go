package ingest

import (
	"testing"

	"github.com/jackc/pglogrepl"
)

func TestResumeLsn_CommitOffset(t *testing.T) {
	tests := []struct {
		name   string
		offset pglogrepl.LSN
		want   pglogrepl.LSN
	}{
		{"zero offset stays zero", 0, 0},
		{"positive offset is decremented", 100, 99},
		{"offset of one floors to zero", 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r ResumeLsn
			r.CommitOffset(tt.offset)
			if got := r.Load(); got != tt.want {
				t.Errorf("CommitOffset(%d) -> Load() = %d, want %d", tt.offset, got, tt.want)
			}
		})
	}
}

func TestResumeLsn_StoreLoad(t *testing.T) {
	var r ResumeLsn
	r.Store(pglogrepl.LSN(42))
	if got := r.Load(); got != 42 {
		t.Errorf("Load() = %d, want 42", got)
	}
}

func TestTableSchema_CompatibleWith(t *testing.T) {
	base := TableSchema{
		Namespace: "public",
		Name:      "orders",
		Columns: []Column{
			{Name: "id", TypeOID: 20, Nullable: false},
			{Name: "total", TypeOID: 701, Nullable: true},
		},
	}

	tests := []struct {
		name  string
		other TableSchema
		want  bool
	}{
		{"identical", base, true},
		{
			"nullability changed is tolerated",
			TableSchema{Columns: []Column{
				{Name: "id", TypeOID: 20, Nullable: true},
				{Name: "total", TypeOID: 701, Nullable: false},
			}},
			true,
		},
		{
			"column count changed",
			TableSchema{Columns: []Column{{Name: "id", TypeOID: 20}}},
			false,
		},
		{
			"column renamed",
			TableSchema{Columns: []Column{
				{Name: "id", TypeOID: 20},
				{Name: "amount", TypeOID: 701},
			}},
			false,
		},
		{
			"type oid changed",
			TableSchema{Columns: []Column{
				{Name: "id", TypeOID: 23},
				{Name: "total", TypeOID: 701},
			}},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := base.CompatibleWith(tt.other); got != tt.want {
				t.Errorf("CompatibleWith() = %v, want %v", got, tt.want)
			}
		})
	}
}
