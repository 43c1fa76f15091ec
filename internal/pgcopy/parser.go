// Package pgcopy decodes rows in PostgreSQL's COPY TEXT format, as produced
// by `COPY ... TO STDOUT (FORMAT TEXT, DELIMITER '\t')`. No example in the
// reference corpus implements this escape grammar — it is a stable,
// narrowly-scoped wire format with no natural third-party home, so it is
// implemented directly against the standard library (see DESIGN.md).
package pgcopy

import (
	"bytes"
	"fmt"
)

// nullMarker is the raw (unescaped) text representation of SQL NULL.
const nullMarker = `\N`

// ParseLine splits one line of COPY TEXT output (without its trailing
// newline) into tab-delimited fields, undoing backslash escapes. The field
// delimiter is a literal tab byte — Postgres never escapes the delimiter
// itself, it only escapes values that embed a tab. A field exactly equal to
// the raw two-byte sequence `\N` is SQL NULL and reported as a nil
// *string; every other field is a non-nil pointer to its unescaped text.
func ParseLine(line []byte) ([]*string, error) {
	raw := bytes.Split(line, []byte{'\t'})
	fields := make([]*string, len(raw))
	for i, seg := range raw {
		if string(seg) == nullMarker {
			fields[i] = nil
			continue
		}
		unescaped, err := unescapeField(seg)
		if err != nil {
			return nil, fmt.Errorf("pgcopy: field %d: %w", i, err)
		}
		fields[i] = &unescaped
	}
	return fields, nil
}

// unescapeField undoes COPY TEXT backslash escaping within a single field.
func unescapeField(seg []byte) (string, error) {
	if !bytes.ContainsRune(seg, '\\') {
		return string(seg), nil
	}
	var out bytes.Buffer
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if c != '\\' {
			out.WriteByte(c)
			continue
		}
		if i+1 >= len(seg) {
			return "", fmt.Errorf("trailing backslash")
		}
		decoded, consumed, err := unescapeOne(seg[i+1:])
		if err != nil {
			return "", err
		}
		out.WriteByte(decoded)
		i += consumed
	}
	return out.String(), nil
}

// unescapeOne decodes a single backslash escape sequence starting just
// after the backslash. It returns the decoded byte and how many input
// bytes (beyond the backslash itself) were consumed.
func unescapeOne(rest []byte) (byte, int, error) {
	c := rest[0]
	switch c {
	case 'b':
		return '\b', 1, nil
	case 'f':
		return '\f', 1, nil
	case 'n':
		return '\n', 1, nil
	case 'r':
		return '\r', 1, nil
	case 't':
		return '\t', 1, nil
	case 'v':
		return '\v', 1, nil
	case '\\':
		return '\\', 1, nil
	default:
		if c >= '0' && c <= '7' {
			return unescapeOctal(rest)
		}
		// Postgres only emits the escapes above; anything else passes
		// through literally (defensive against future COPY variants).
		return c, 1, nil
	}
}

// unescapeOctal decodes up to three octal digits following a backslash, the
// format COPY TEXT uses for arbitrary byte values.
func unescapeOctal(rest []byte) (byte, int, error) {
	n := 0
	var v int
	for n < 3 && n < len(rest) && rest[n] >= '0' && rest[n] <= '7' {
		v = v*8 + int(rest[n]-'0')
		n++
	}
	if n == 0 {
		return 0, 0, fmt.Errorf("invalid escape sequence")
	}
	return byte(v), n, nil
}

// TruncateOrPad adjusts fields to exactly n entries: excess fields are
// dropped (a COPY row that accreted trailing columns we don't care about),
// missing ones are filled with NULL.
func TruncateOrPad(fields []*string, n int) []*string {
	if len(fields) == n {
		return fields
	}
	if len(fields) > n {
		return fields[:n]
	}
	out := make([]*string, n)
	copy(out, fields)
	return out
}
