package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgingest/internal/pgwire"
)

// BootstrapInfo is the (slot_lsn, snapshot_lsn) pair a SlotManager
// establishes for first-time or resumed ingest, plus whatever housekeeping
// the Snapshotter needs to tear down afterward.
type BootstrapInfo struct {
	SlotLSN      pglogrepl.LSN
	SnapshotLSN  pglogrepl.LSN
	TempSlotName string // non-empty only when the permanent slot already existed
	SlotExisted  bool
}

// NeedsRewind reports whether the snapshot observed more committed data
// than the permanent slot's resume point, requiring the Rewinder to
// retract the gap before streaming resumes normally.
func (b BootstrapInfo) NeedsRewind() bool {
	return b.SlotLSN < b.SnapshotLSN
}

// SlotManager establishes a consistent (snapshot_lsn, slot_lsn) pair,
// idempotently across restarts, per spec §4.1. It drives one connection in
// replication mode through the existence check, BEGIN, slot creation, and
// final COMMIT; the same transaction's snapshot is what the Snapshotter
// reads under.
type SlotManager struct {
	conn        *pgconn.PgConn
	wire        *pgwire.Conn
	slotName    string
	publication string
	logger      zerolog.Logger
}

// NewSlotManager wraps a replication-mode connection (created with
// replication=database in its DSN) for slot bootstrap duties.
func NewSlotManager(conn *pgconn.PgConn, slotName, publication string, logger zerolog.Logger) *SlotManager {
	return &SlotManager{
		conn:        conn,
		wire:        pgwire.NewConn(conn, logger),
		slotName:    slotName,
		publication: publication,
		logger:      logger.With().Str("component", "slot-manager").Logger(),
	}
}

// Prepare runs the full bootstrap protocol and leaves the connection inside
// an open `BEGIN READ ONLY ISOLATION LEVEL REPEATABLE READ` transaction
// whose snapshot matches SnapshotLSN. The caller must run the snapshot COPY
// within that transaction, then call Finish.
func (m *SlotManager) Prepare(ctx context.Context) (BootstrapInfo, error) {
	var info BootstrapInfo

	// The existence check must precede BEGIN: slot creation is required to
	// be the first statement in the transaction when USE_SNAPSHOT ties the
	// slot to it.
	existing, err := m.wire.QuerySlot(ctx, m.slotName)
	if err != nil {
		return info, Classify("query existing slot", err)
	}
	info.SlotExisted = existing.Exists

	if _, err := m.exec(ctx, "BEGIN READ ONLY ISOLATION LEVEL REPEATABLE READ"); err != nil {
		return info, Classify("begin bootstrap transaction", err)
	}

	if existing.Exists {
		tempName := fmt.Sprintf("%s_bootstrap_%d", m.slotName, bootstrapNonce())
		result, err := pglogrepl.CreateReplicationSlot(ctx, m.conn, tempName, "pgoutput",
			pglogrepl.CreateReplicationSlotOptions{Temporary: true, SnapshotAction: "USE_SNAPSHOT"})
		if err != nil {
			return info, Classify("create temporary bootstrap slot", err)
		}
		snapshotLSN, err := pglogrepl.ParseLSN(result.ConsistentPoint)
		if err != nil {
			return info, Definite("parse temporary slot consistent point", err)
		}
		info.TempSlotName = tempName
		info.SnapshotLSN = snapshotLSN
		info.SlotLSN = existing.ConfirmedFlushLSN

		if info.SlotLSN > info.SnapshotLSN {
			return info, Definite("bootstrap invariant",
				fmt.Errorf("slot_lsn %s > snapshot_lsn %s", info.SlotLSN, info.SnapshotLSN))
		}
	} else {
		result, err := pglogrepl.CreateReplicationSlot(ctx, m.conn, m.slotName, "pgoutput",
			pglogrepl.CreateReplicationSlotOptions{SnapshotAction: "USE_SNAPSHOT"})
		if err != nil {
			// A concurrent creator racing us for the permanent slot between
			// the existence check and this CREATE is benign and retryable:
			// "already exists" (42710) is indefinite, not a class-42 definite.
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "42710" {
				return info, Indefinite("create replication slot", err)
			}
			return info, Classify("create replication slot", err)
		}
		consistentPoint, err := pglogrepl.ParseLSN(result.ConsistentPoint)
		if err != nil {
			return info, Definite("parse slot consistent point", err)
		}
		info.SlotLSN = consistentPoint
		info.SnapshotLSN = consistentPoint
	}

	return info, nil
}

// Finish drops the temporary bootstrap slot, if any, and commits the
// bootstrap transaction, releasing the snapshot.
func (m *SlotManager) Finish(ctx context.Context, info BootstrapInfo) error {
	if info.TempSlotName != "" {
		if err := m.wire.DropReplicationSlot(ctx, info.TempSlotName); err != nil {
			m.logger.Warn().Err(err).Str("slot", info.TempSlotName).Msg("drop temporary bootstrap slot")
		}
	}
	if _, err := m.exec(ctx, "COMMIT"); err != nil {
		return Classify("commit bootstrap transaction", err)
	}
	return nil
}

// Abort rolls back the bootstrap transaction without committing, used when
// the snapshot phase fails partway through.
func (m *SlotManager) Abort(ctx context.Context) {
	_, _ = m.exec(ctx, "ROLLBACK")
}

func (m *SlotManager) exec(ctx context.Context, sql string) ([]byte, error) {
	mrr := m.conn.Exec(ctx, sql)
	var result []byte
	for mrr.NextResult() {
		buf := mrr.ResultReader().Read()
		if buf.Err != nil {
			_ = mrr.Close()
			return nil, buf.Err
		}
	}
	return result, mrr.Close()
}

// bootstrapNonce supplies the suffix of temporary bootstrap slot names. It
// is a package variable so it can be replaced; by default it draws from a
// process-local counter starting at 1.
var bootstrapNonce = func() uint64 { return nonceCounter.next() }

type nonceSource struct{ n uint64 }

func (s *nonceSource) next() uint64 {
	s.n++
	return s.n
}

var nonceCounter = &nonceSource{}
