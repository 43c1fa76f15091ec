package ingest

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// FastForwardProbe handles the case where the decoder has gone idle past
// the WAL lag grace period: rather than block indefinitely on a quiet
// slot, it peeks the slot's pending changes without consuming them and, if
// none of them touch a published relation, advances ResumeLsn straight to
// the server's current WAL position so the next Decoder.Run restart begins
// from there instead of re-walking the same empty range (spec §4.5).
type FastForwardProbe struct {
	conn        *pgconn.PgConn
	slotName    string
	publication string
	tables      map[uint32]*SourceTable
	resumeLsn   *ResumeLsn
	logger      zerolog.Logger
}

// NewFastForwardProbe wraps a plain (non-replication) connection able to
// run pg_logical_slot_peek_binary_changes against slotName.
func NewFastForwardProbe(conn *pgconn.PgConn, slotName, publication string, tables map[uint32]*SourceTable, resumeLsn *ResumeLsn, logger zerolog.Logger) *FastForwardProbe {
	return &FastForwardProbe{
		conn:        conn,
		slotName:    slotName,
		publication: publication,
		tables:      tables,
		resumeLsn:   resumeLsn,
		logger:      logger.With().Str("component", "fast-forward").Logger(),
	}
}

// Probe peeks up to limit pending changes. If none of them reference a
// published relation OID, it reports the server's current WAL insert
// position as the new safe restart point; otherwise it reports false and
// the caller must fall back to a normal decoder restart since there is
// real work the decoder has not yet seen.
func (p *FastForwardProbe) Probe(ctx context.Context, limit int) (newLSN pglogrepl.LSN, advanced bool, err error) {
	// The slot was created for the pgoutput plugin, which requires its
	// proto_version/publication_names options on every call, peeks included
	// — omitting them errors instead of peeking.
	rr := p.conn.ExecParams(ctx,
		`SELECT xid, data FROM pg_logical_slot_peek_binary_changes($1, NULL, $2, 'proto_version', '1', 'publication_names', $3)`,
		[][]byte{[]byte(p.slotName), []byte(fmt.Sprintf("%d", limit)), []byte(p.publication)}, nil, nil, nil)

	relevant := false
	for rr.NextRow() {
		vals := rr.Values()
		if len(vals) != 2 {
			continue
		}
		if touchesPublishedRelation(vals[1], p.tables) {
			relevant = true
		}
	}
	if _, err := rr.Close(); err != nil {
		return 0, false, Classify("peek replication slot", err)
	}
	if relevant {
		return 0, false, nil
	}

	walLSN, err := p.currentWALPosition(ctx)
	if err != nil {
		return 0, false, err
	}
	p.resumeLsn.Store(walLSN)
	p.logger.Info().Str("lsn", walLSN.String()).Msg("fast-forwarded past idle WAL range with no relevant changes")
	return walLSN, true, nil
}

func (p *FastForwardProbe) currentWALPosition(ctx context.Context) (pglogrepl.LSN, error) {
	rr := p.conn.ExecParams(ctx, `SELECT pg_current_wal_insert_lsn()::text`, nil, nil, nil, nil)
	var lsn pglogrepl.LSN
	for rr.NextRow() {
		vals := rr.Values()
		if len(vals) != 1 || vals[0] == nil {
			continue
		}
		parsed, err := pglogrepl.ParseLSN(string(vals[0]))
		if err != nil {
			_, _ = rr.Close()
			return 0, Definite("parse current wal position", err)
		}
		lsn = parsed
	}
	if _, err := rr.Close(); err != nil {
		return 0, Classify("query current wal position", err)
	}
	return lsn, nil
}

// touchesPublishedRelation does a best-effort scan of a peeked pgoutput
// binary change's relation OID without fully decoding it, just enough to
// decide whether the decoder would have emitted anything for this change.
// A conservative implementation that cannot determine relevance reports
// true, so the caller never skips real data on a decode ambiguity.
func touchesPublishedRelation(data []byte, tables map[uint32]*SourceTable) bool {
	msg, err := pglogrepl.Parse(data)
	if err != nil {
		return true
	}
	var oid uint32
	switch m := msg.(type) {
	case *pglogrepl.InsertMessage:
		oid = m.RelationID
	case *pglogrepl.UpdateMessage:
		oid = m.RelationID
	case *pglogrepl.DeleteMessage:
		oid = m.RelationID
	case *pglogrepl.TruncateMessage:
		for _, id := range m.RelationIDs {
			if _, ok := tables[id]; ok {
				return true
			}
		}
		return false
	default:
		return false
	}
	_, ok := tables[oid]
	return ok
}
