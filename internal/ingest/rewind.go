package ingest

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"
)

// Rewinder replays the half-open range (slot_lsn, snapshot_lsn] that a
// pre-existing slot's bootstrap observed as already-committed-in-the-
// snapshot-but-not-yet-confirmed, and retracts it: every row touched by a
// transaction in that range is re-emitted with its sign flipped, all
// stamped at slot_lsn, so the net effect once both the snapshot and the
// rewind have applied is "as of slot_lsn" with no double-counting. Only
// runs when BootstrapInfo.NeedsRewind() is true (spec §4.3).
type Rewinder struct {
	conn      *pgconn.PgConn
	coalescer *Coalescer
	tables    map[uint32]*SourceTable
	logger    zerolog.Logger
}

// NewRewinder wraps a replication-mode connection distinct from the one the
// Decoder will later use for normal streaming.
func NewRewinder(conn *pgconn.PgConn, tables map[uint32]*SourceTable, coalescer *Coalescer, logger zerolog.Logger) *Rewinder {
	return &Rewinder{
		conn:      conn,
		coalescer: coalescer,
		tables:    tables,
		logger:    logger.With().Str("component", "rewinder").Logger(),
	}
}

// Run replays from slotName starting at info.SlotLSN, accumulating every
// row touched by commits up to and including info.SnapshotLSN, then emits
// the negated retractions stamped at info.SlotLSN and closes that LSN.
func (r *Rewinder) Run(ctx context.Context, slotName, publication string, info BootstrapInfo) error {
	if !info.NeedsRewind() {
		return nil
	}

	err := pglogrepl.StartReplication(ctx, r.conn, slotName, info.SlotLSN, pglogrepl.StartReplicationOptions{
		Mode: pglogrepl.LogicalReplication,
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", publication),
		},
	})
	if err != nil {
		return Classify("start rewind replication", err)
	}

	var accumulated []pendingTuple // inserts and deletes; accDiffs[i] holds each one's original sign
	var accDiffs []int8
	var txInserts, txDeletes []pendingTuple
	done := false

	for !done {
		msg, err := r.conn.ReceiveMessage(ctx)
		if err != nil {
			return Classify("receive rewind message", err)
		}
		cd, ok := msg.(*pgproto3.CopyData)
		if !ok || len(cd.Data) == 0 {
			continue
		}
		switch cd.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			continue
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(cd.Data[1:])
			if err != nil {
				return Classify("parse rewind xlog data", err)
			}
			m, err := pglogrepl.Parse(xld.WALData)
			if err != nil {
				return Classify("parse rewind message", err)
			}
			switch tm := m.(type) {
			case *pglogrepl.BeginMessage:
				txInserts = txInserts[:0]
				txDeletes = txDeletes[:0]

			case *pglogrepl.InsertMessage:
				table, ok := r.tables[tm.RelationID]
				if !ok {
					continue
				}
				row, err := decodeRewindTuple(table, tm.Tuple, nil)
				if err != nil {
					return Definite("decode rewind insert", err)
				}
				txInserts = append(txInserts, pendingTuple{outputIndex: table.OutputIndex, row: row})

			case *pglogrepl.UpdateMessage:
				table, ok := r.tables[tm.RelationID]
				if !ok {
					continue
				}
				if tm.OldTuple == nil {
					return Definite("rewind update without old tuple", fmt.Errorf("table oid %d missing old tuple", tm.RelationID))
				}
				oldRow, err := decodeRewindTuple(table, tm.OldTuple, nil)
				if err != nil {
					return Definite("decode rewind update old", err)
				}
				newRow, err := decodeRewindTuple(table, tm.NewTuple, tm.OldTuple)
				if err != nil {
					return Definite("decode rewind update new", err)
				}
				txDeletes = append(txDeletes, pendingTuple{outputIndex: table.OutputIndex, row: oldRow})
				txInserts = append(txInserts, pendingTuple{outputIndex: table.OutputIndex, row: newRow})

			case *pglogrepl.DeleteMessage:
				table, ok := r.tables[tm.RelationID]
				if !ok {
					continue
				}
				if tm.OldTuple == nil {
					return Definite("rewind delete without old tuple", fmt.Errorf("table oid %d missing old tuple", tm.RelationID))
				}
				row, err := decodeRewindTuple(table, tm.OldTuple, nil)
				if err != nil {
					return Definite("decode rewind delete", err)
				}
				txDeletes = append(txDeletes, pendingTuple{outputIndex: table.OutputIndex, row: row})

			case *pglogrepl.CommitMessage:
				// Only commits inside the half-open window
				// (slot_lsn, snapshot_lsn] are retracted. snapshot_lsn is a
				// temp-slot consistent point and rarely lands exactly on a
				// commit boundary, so a terminating transaction committing
				// above it must be excluded — its rows were never part of
				// the snapshot and streaming will deliver them normally.
				if tm.TransactionEndLSN <= info.SnapshotLSN {
					for _, t := range txInserts {
						accumulated = append(accumulated, t)
						accDiffs = append(accDiffs, +1)
					}
					for _, t := range txDeletes {
						accumulated = append(accumulated, t)
						accDiffs = append(accDiffs, -1)
					}
				}
				txInserts, txDeletes = nil, nil
				if tm.TransactionEndLSN >= info.SnapshotLSN {
					done = true
				}
			}
		}
	}

	for i, t := range accumulated {
		// Flip the sign: a row inserted during (slot_lsn, snapshot_lsn]
		// already appears once via the snapshot copy, so it must be
		// retracted; a row deleted in that window was never in the
		// snapshot and must be reinstated.
		if err := r.coalescer.SendRow(t.outputIndex, t.row, info.SlotLSN, -accDiffs[i]); err != nil {
			return Definite("emit rewind retraction", err)
		}
	}
	if err := r.coalescer.CloseLsn(info.SlotLSN); err != nil {
		return Definite("close rewind lsn", err)
	}
	return nil
}

func decodeRewindTuple(table *SourceTable, tuple, old *pglogrepl.TupleData) (Row, error) {
	row := make(Row, len(table.Casts))
	for i, col := range tuple.Columns {
		if i >= len(table.Casts) {
			break
		}
		var data []byte
		switch col.DataType {
		case 'n':
			row[i] = nil
			continue
		case 'u':
			if old == nil || i >= len(old.Columns) {
				return nil, fmt.Errorf("unchanged-toast column %d with no old tuple", i)
			}
			data = old.Columns[i].Data
		default:
			data = col.Data
		}
		v, err := castField(table.Casts[i], data)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}
