package pgwire

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// SlotInfo is the subset of pg_replication_slots consulted by SlotManager.
type SlotInfo struct {
	Exists            bool
	ConfirmedFlushLSN pglogrepl.LSN
}

// Conn wraps a pgconn.PgConn with replication-specific helpers.
type Conn struct {
	conn   *pgconn.PgConn
	logger zerolog.Logger
}

// NewConn creates a Conn wrapper.
func NewConn(conn *pgconn.PgConn, logger zerolog.Logger) *Conn {
	return &Conn{
		conn:   conn,
		logger: logger.With().Str("component", "pgwire").Logger(),
	}
}

// Raw returns the underlying pgconn.PgConn.
func (c *Conn) Raw() *pgconn.PgConn {
	return c.conn
}

// DropReplicationSlot drops the named replication slot; a slot that does not
// exist is reported as an error.
func (c *Conn) DropReplicationSlot(ctx context.Context, slotName string) error {
	_, err := c.exec(ctx, fmt.Sprintf("SELECT pg_drop_replication_slot('%s')", slotName))
	if err != nil {
		return fmt.Errorf("drop replication slot: %w", err)
	}
	return nil
}

// QuerySlot looks up the named slot in pg_replication_slots. A missing row
// is reported as SlotInfo{Exists: false}, not an error.
func (c *Conn) QuerySlot(ctx context.Context, slotName string) (SlotInfo, error) {
	rr := c.conn.ExecParams(ctx,
		`SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1`,
		[][]byte{[]byte(slotName)}, nil, nil, nil)

	var info SlotInfo
	for rr.NextRow() {
		vals := rr.Values()
		if len(vals) != 1 || vals[0] == nil {
			continue
		}
		lsn, err := pglogrepl.ParseLSN(string(vals[0]))
		if err != nil {
			_, _ = rr.Close()
			return info, fmt.Errorf("parse confirmed_flush_lsn: %w", err)
		}
		info.Exists = true
		info.ConfirmedFlushLSN = lsn
	}
	if _, err := rr.Close(); err != nil {
		return info, fmt.Errorf("query slot %s: %w", slotName, err)
	}
	return info, nil
}

func (c *Conn) exec(ctx context.Context, sql string) ([]byte, error) {
	mrr := c.conn.Exec(ctx, sql)
	var result []byte
	for mrr.NextResult() {
		buf := mrr.ResultReader().Read()
		if buf.Err != nil {
			return nil, buf.Err
		}
	}
	return result, mrr.Close()
}

// Close closes the underlying connection.
func (c *Conn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
