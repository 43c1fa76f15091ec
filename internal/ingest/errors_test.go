package ingest

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassify_SqlstateClasses(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantDef bool
	}{
		{"invalid catalog name", "3D000", true},
		{"invalid schema name", "3F000", true},
		{"syntax or access rule violation", "42601", true},
		{"connection failure", "08006", false},
		{"unique violation", "23505", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("op", &pgconn.PgError{Code: tt.code})
			var de *DefiniteError
			var ie *IndefiniteError
			if tt.wantDef {
				if !errors.As(err, &de) {
					t.Errorf("Classify(%s) = %v, want DefiniteError", tt.code, err)
				}
			} else {
				if !errors.As(err, &ie) {
					t.Errorf("Classify(%s) = %v, want IndefiniteError", tt.code, err)
				}
			}
		})
	}
}

func TestClassify_PassesThroughAlreadyTaggedErrors(t *testing.T) {
	tagged := Definite("op", errors.New("boom"))
	got := Classify("other op", tagged)
	if got != tagged {
		t.Errorf("Classify should not re-wrap an already-classified error")
	}
}

func TestClassify_NilIsNil(t *testing.T) {
	if Classify("op", nil) != nil {
		t.Error("Classify(nil) should return nil")
	}
}

func TestClassify_UnrecognizedErrorIsIndefinite(t *testing.T) {
	err := Classify("op", errors.New("connection reset by peer"))
	var ie *IndefiniteError
	if !errors.As(err, &ie) {
		t.Errorf("got %v, want IndefiniteError for an unclassified transport error", err)
	}
}

func TestErrorConstructors_NilSafe(t *testing.T) {
	if Definite("op", nil) != nil {
		t.Error("Definite(op, nil) should return nil")
	}
	if Indefinite("op", nil) != nil {
		t.Error("Indefinite(op, nil) should return nil")
	}
	if Irrecoverable("op", nil) != nil {
		t.Error("Irrecoverable(op, nil) should return nil")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Definite("op", cause)
	if !errors.Is(err, cause) {
		t.Error("Definite error should unwrap to its cause")
	}
}
