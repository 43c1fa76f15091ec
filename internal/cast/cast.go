// Package cast provides the boundary between text-format Postgres values
// (from COPY and logical replication tuples) and the typed Datum values the
// engine emits. The real expression engine used to cast values into a
// downstream dataflow's native type system is an external collaborator and
// out of scope here (spec §1); this package supplies a minimal registry
// covering common scalar OIDs so the engine is independently exercisable,
// with Cast itself defined as a pluggable function type a host can replace.
package cast

import (
	"fmt"
	"strconv"
	"strings"
)

// Common well-known type OIDs (see pg_type.dat). Kept local rather than
// pulled from a driver package since only a handful are needed here.
const (
	OIDBool        = 16
	OIDInt8        = 20
	OIDInt4        = 23
	OIDInt2        = 21
	OIDText        = 25
	OIDVarchar     = 1043
	OIDFloat4      = 700
	OIDFloat8      = 701
	OIDNumeric     = 1700
	OIDTimestamp   = 1114
	OIDTimestamptz = 1184
	OIDDate        = 1082
	OIDUUID        = 2950
	OIDJSON        = 114
	OIDJSONB       = 3802
	OIDBytea       = 17
)

// Cast converts a text-format field value into a typed datum. A nil input
// pointer represents SQL NULL; Cast must return (nil, nil) for it.
type Cast func(text *string) (any, error)

// Registry maps a type OID to the Cast used for columns of that type.
type Registry struct {
	byOID map[uint32]Cast
}

// NewRegistry builds a Registry pre-populated with casts for the scalar
// types most logical-replication sources actually use. Unregistered OIDs
// fall back to Text via Lookup.
func NewRegistry() *Registry {
	r := &Registry{byOID: make(map[uint32]Cast)}
	r.Register(OIDBool, Bool)
	r.Register(OIDInt2, Int64)
	r.Register(OIDInt4, Int64)
	r.Register(OIDInt8, Int64)
	r.Register(OIDFloat4, Float64)
	r.Register(OIDFloat8, Float64)
	r.Register(OIDNumeric, Text)
	r.Register(OIDText, Text)
	r.Register(OIDVarchar, Text)
	r.Register(OIDTimestamp, Text)
	r.Register(OIDTimestamptz, Text)
	r.Register(OIDDate, Text)
	r.Register(OIDUUID, Text)
	r.Register(OIDJSON, Text)
	r.Register(OIDJSONB, Text)
	r.Register(OIDBytea, Bytea)
	return r
}

// Register installs a Cast for a type OID, overriding any default.
func (r *Registry) Register(oid uint32, c Cast) {
	r.byOID[oid] = c
}

// Lookup returns the Cast registered for oid, defaulting to Text when none
// is registered — every Postgres scalar has a text representation.
func (r *Registry) Lookup(oid uint32) Cast {
	if c, ok := r.byOID[oid]; ok {
		return c
	}
	return Text
}

// Text passes the field through unchanged, NULL becoming nil.
func Text(text *string) (any, error) {
	if text == nil {
		return nil, nil
	}
	return *text, nil
}

// Bool parses Postgres boolean text output ("t"/"f", or "true"/"false").
func Bool(text *string) (any, error) {
	if text == nil {
		return nil, nil
	}
	switch strings.ToLower(*text) {
	case "t", "true":
		return true, nil
	case "f", "false":
		return false, nil
	default:
		return nil, fmt.Errorf("cast bool: invalid literal %q", *text)
	}
}

// Int64 parses a signed decimal integer.
func Int64(text *string) (any, error) {
	if text == nil {
		return nil, nil
	}
	n, err := strconv.ParseInt(*text, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("cast int64: %w", err)
	}
	return n, nil
}

// Float64 parses a decimal floating point value.
func Float64(text *string) (any, error) {
	if text == nil {
		return nil, nil
	}
	f, err := strconv.ParseFloat(*text, 64)
	if err != nil {
		return nil, fmt.Errorf("cast float64: %w", err)
	}
	return f, nil
}

// Bytea returns Postgres bytea hex output ("\x...") unchanged as a string,
// without decoding the hex digits; anything else is returned as raw bytes,
// matching COPY's historical escape format fallback.
func Bytea(text *string) (any, error) {
	if text == nil {
		return nil, nil
	}
	s := *text
	if strings.HasPrefix(s, "\\x") {
		return s, nil // left as hex text; downstream decides how to decode
	}
	return []byte(s), nil
}
