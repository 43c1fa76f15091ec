package cast

import (
	"testing"
)

func strptr(s string) *string { return &s }

func TestText(t *testing.T) {
	if v, err := Text(nil); err != nil || v != nil {
		t.Errorf("Text(nil) = (%v, %v), want (nil, nil)", v, err)
	}
	if v, err := Text(strptr("hello")); err != nil || v != "hello" {
		t.Errorf("Text(hello) = (%v, %v), want (hello, nil)", v, err)
	}
}

func TestBool(t *testing.T) {
	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{"t", true, false},
		{"f", false, false},
		{"true", true, false},
		{"false", false, false},
		{"TRUE", true, false},
		{"yes", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, err := Bool(strptr(tt.in))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Bool(%q) expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("Bool(%q) unexpected error: %v", tt.in, err)
			}
			if v != tt.want {
				t.Errorf("Bool(%q) = %v, want %v", tt.in, v, tt.want)
			}
		})
	}
	if v, err := Bool(nil); err != nil || v != nil {
		t.Errorf("Bool(nil) = (%v, %v), want (nil, nil)", v, err)
	}
}

func TestInt64(t *testing.T) {
	v, err := Int64(strptr("42"))
	if err != nil || v != int64(42) {
		t.Errorf("Int64(42) = (%v, %v), want (42, nil)", v, err)
	}
	if _, err := Int64(strptr("not-a-number")); err == nil {
		t.Error("Int64(not-a-number) expected error")
	}
	if v, err := Int64(nil); err != nil || v != nil {
		t.Errorf("Int64(nil) = (%v, %v), want (nil, nil)", v, err)
	}
}

func TestFloat64(t *testing.T) {
	v, err := Float64(strptr("3.14"))
	if err != nil || v != 3.14 {
		t.Errorf("Float64(3.14) = (%v, %v), want (3.14, nil)", v, err)
	}
	if _, err := Float64(strptr("nope")); err == nil {
		t.Error("Float64(nope) expected error")
	}
}

func TestBytea(t *testing.T) {
	v, err := Bytea(strptr("\\x68656c6c6f"))
	if err != nil {
		t.Fatalf("Bytea hex: unexpected error: %v", err)
	}
	if v != "\\x68656c6c6f" {
		t.Errorf("Bytea hex = %v, want passthrough hex text", v)
	}

	v, err = Bytea(strptr("raw"))
	if err != nil {
		t.Fatalf("Bytea raw: unexpected error: %v", err)
	}
	if b, ok := v.([]byte); !ok || string(b) != "raw" {
		t.Errorf("Bytea raw = %v, want []byte(\"raw\")", v)
	}

	if v, err := Bytea(nil); err != nil || v != nil {
		t.Errorf("Bytea(nil) = (%v, %v), want (nil, nil)", v, err)
	}
}

func TestRegistry_LookupDefaultsToText(t *testing.T) {
	r := NewRegistry()
	c := r.Lookup(999999)
	v, err := c(strptr("anything"))
	if err != nil || v != "anything" {
		t.Errorf("Lookup of unregistered OID should default to Text, got (%v, %v)", v, err)
	}
}

func TestRegistry_LookupRegisteredScalars(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name string
		oid  uint32
		in   string
		want any
	}{
		{"bool", OIDBool, "t", true},
		{"int2", OIDInt2, "7", int64(7)},
		{"int4", OIDInt4, "7", int64(7)},
		{"int8", OIDInt8, "7", int64(7)},
		{"float4", OIDFloat4, "1.5", 1.5},
		{"float8", OIDFloat8, "1.5", 1.5},
		{"text", OIDText, "x", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := r.Lookup(tt.oid)(strptr(tt.in))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v != tt.want {
				t.Errorf("Lookup(%d)(%q) = %v, want %v", tt.oid, tt.in, v, tt.want)
			}
		})
	}
}

func TestRegistry_RegisterOverridesDefault(t *testing.T) {
	r := NewRegistry()
	r.Register(OIDText, Bool)
	v, err := r.Lookup(OIDText)(strptr("t"))
	if err != nil || v != true {
		t.Errorf("Register should override default cast, got (%v, %v)", v, err)
	}
}
