// Package ingest implements a PostgreSQL logical-replication ingestion
// engine: it turns an upstream publication into a totally-ordered stream of
// retractable row updates for a downstream differential dataflow consumer.
package ingest

import (
	"sync/atomic"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgingest/internal/cast"
)

// Datum is one typed, cast scalar value within a Row.
type Datum = any

// Row is an ordered sequence of typed datums, one per output column.
type Row []Datum

// Column describes one column of a relation as seen over logical replication.
type Column struct {
	Name         string
	TypeOID      uint32
	Nullable     bool
	TypeModifier int32
}

// TableSchema describes the shape of a replicated relation.
type TableSchema struct {
	Namespace string
	Name      string
	OID       uint32
	Columns   []Column
}

// CompatibleWith reports whether other has the same column count and, for
// each position, the same name and type OID. Nullability changes in either
// direction are accepted, and type modifiers need not be identical:
// widening a varchar length, for instance, is compatible.
func (s TableSchema) CompatibleWith(other TableSchema) bool {
	if len(s.Columns) != len(other.Columns) {
		return false
	}
	for i := range s.Columns {
		a, b := s.Columns[i], other.Columns[i]
		if a.Name != b.Name || a.TypeOID != b.TypeOID {
			return false
		}
		// A column becoming NOT NULL is compatible (stricter); a column
		// becoming nullable when it previously was not is also tolerated,
		// since downstream replay never depended on the constraint.
	}
	return true
}

// SourceTable is one table exposed by the publication and tracked by the
// engine for the lifetime of a source instance.
type SourceTable struct {
	OutputIndex int // positive, 1-based
	OID         uint32
	Desc        TableSchema
	Casts       []cast.Cast // one per output column, same order as Desc.Columns
}

// OutputRecord is one emitted unit of the retraction stream.
type OutputRecord struct {
	OutputIndex int
	Row         Row
	LSN         pglogrepl.LSN
	Diff        int8 // +1 insert, -1 delete
	End         bool // marks the last record at LSN
}

// ResumeLsn is the shared atomic floor below which the upstream slot may be
// advanced. It is written by the downstream committer and read by the
// FeedbackTicker; relaxed ordering is sufficient since it carries no
// happens-before dependency beyond eventual observation.
type ResumeLsn struct {
	v atomic.Uint64
}

// Store records the new resume floor.
func (r *ResumeLsn) Store(lsn pglogrepl.LSN) {
	r.v.Store(uint64(lsn))
}

// Load reads the current resume floor.
func (r *ResumeLsn) Load() pglogrepl.LSN {
	return pglogrepl.LSN(r.v.Load())
}

// CommitOffset implements the committer contract: the host calls this with
// a downstream frontier offset, and the resume floor becomes
// offset.saturating_sub(1) — Postgres reports confirmation as "up to and
// including", while the host frontier is "strictly less than". This ±1 is
// preserved verbatim from the reference behavior pending a revisit.
func (r *ResumeLsn) CommitOffset(offset pglogrepl.LSN) {
	if offset == 0 {
		r.Store(0)
		return
	}
	r.Store(offset - 1)
}
