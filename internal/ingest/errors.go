package ingest

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// DefiniteError means the replicated stream is permanently inconsistent
// (schema drop, malformed row, decode policy violation). The supervisor
// stops on this class; it never retries.
type DefiniteError struct {
	Op  string
	Err error
}

func (e *DefiniteError) Error() string { return "definite: " + e.Op + ": " + e.Err.Error() }
func (e *DefiniteError) Unwrap() error { return e.Err }

// Definite wraps err as a DefiniteError tagged with the operation it
// occurred in.
func Definite(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DefiniteError{Op: op, Err: err}
}

// IndefiniteError means the failure is transient — I/O, timeout, connection
// reset, or an upstream error not otherwise classified. The supervisor
// retries with backoff.
type IndefiniteError struct {
	Op  string
	Err error
}

func (e *IndefiniteError) Error() string { return "indefinite: " + e.Op + ": " + e.Err.Error() }
func (e *IndefiniteError) Unwrap() error { return e.Err }

// Indefinite wraps err as an IndefiniteError tagged with the operation it
// occurred in.
func Indefinite(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IndefiniteError{Op: op, Err: err}
}

// IrrecoverableError means the process must halt and be restarted by its
// host: a partially-emitted snapshot or a protocol framing violation that
// has already put non-retractable rows in front of the consumer.
type IrrecoverableError struct {
	Op  string
	Err error
}

func (e *IrrecoverableError) Error() string { return "irrecoverable: " + e.Op + ": " + e.Err.Error() }
func (e *IrrecoverableError) Unwrap() error { return e.Err }

// Irrecoverable wraps err as an IrrecoverableError tagged with the
// operation it occurred in.
func Irrecoverable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IrrecoverableError{Op: op, Err: err}
}

// Classify converts an arbitrary error from a database or transport
// operation into the three-valued taxonomy. An error already tagged by
// Definite/Indefinite/Irrecoverable is returned unchanged. A *pgconn.PgError
// is classified by its SQLSTATE class: invalid catalog name (3D), invalid
// schema name (3F), and syntax-or-access-rule violation (42) are definite;
// everything else — including all transport errors — is indefinite.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var de *DefiniteError
	var ie *IndefiniteError
	var re *IrrecoverableError
	if errors.As(err, &de) || errors.As(err, &ie) || errors.As(err, &re) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch sqlstateClass(pgErr.Code) {
		case "3D", "3F", "42":
			return Definite(op, err)
		}
	}

	return Indefinite(op, err)
}

// sqlstateClass returns the first two characters of a five-character
// SQLSTATE code, which PostgreSQL groups error classes by.
func sqlstateClass(code string) string {
	if len(code) < 2 {
		return code
	}
	return code[:2]
}
