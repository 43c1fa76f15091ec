package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgingest/internal/cast"
)

// txnState is the decoder's explicit transaction-in-progress state (spec §9
// open question: made explicit rather than inferred from buffer occupancy).
type txnState int

const (
	stateIdle txnState = iota
	stateInTxn
)

// RelationFetcher re-resolves a relation's current publication schema, used
// to validate compatibility on a Relation message (spec §4.4).
type RelationFetcher interface {
	FetchSchema(ctx context.Context, oid uint32) (TableSchema, error)
}

// pendingTuple is one decoded Insert/Update/Delete entry awaiting Commit.
type pendingTuple struct {
	outputIndex int
	row         Row
}

// Decoder opens a COPY BOTH logical replication stream and decodes it into
// transactionally-atomic batches of retractions, per spec §4.4.
type Decoder struct {
	conn   *pgconn.PgConn
	logger zerolog.Logger

	slotName    string
	publication string

	tables  map[uint32]*SourceTable // keyed by relation OID
	fetcher RelationFetcher

	walLagGracePeriod time.Duration

	coalescer *Coalescer
	feedback  *FeedbackTicker

	// Per-LSN transaction state.
	state         txnState
	inserts       []pendingTuple
	deletes       []pendingTuple
	lastCommitLSN pglogrepl.LSN

	// Keepalive bookkeeping.
	observedWALEnd pglogrepl.LSN
	lastDataAt     time.Time

	onIgnored        func(n int64)
	onEmptyTxSkipped func()
}

// DecoderOptions configures optional collaborators.
type DecoderOptions struct {
	FeedbackInterval  time.Duration
	WALLagGracePeriod time.Duration
	OnIgnored         func(n int64)
	OnEmptyTxSkipped  func()
}

// NewDecoder wraps a replication-mode connection. startLSN is where
// START_REPLICATION begins (either a fresh slot_lsn or a resumed position).
func NewDecoder(conn *pgconn.PgConn, slotName, publication string, tables map[uint32]*SourceTable,
	fetcher RelationFetcher, resumeLsn *ResumeLsn, coalescer *Coalescer, opts DecoderOptions, logger zerolog.Logger) *Decoder {

	d := &Decoder{
		conn:              conn,
		logger:            logger.With().Str("component", "decoder").Logger(),
		slotName:          slotName,
		publication:       publication,
		tables:            tables,
		fetcher:           fetcher,
		coalescer:         coalescer,
		feedback:          NewFeedbackTicker(conn, resumeLsn, opts.FeedbackInterval),
		walLagGracePeriod: opts.WALLagGracePeriod,
		onIgnored:         opts.OnIgnored,
		onEmptyTxSkipped:  opts.OnEmptyTxSkipped,
	}
	if d.walLagGracePeriod <= 0 {
		d.walLagGracePeriod = 30 * time.Second
	}
	if d.onIgnored == nil {
		d.onIgnored = func(int64) {}
	}
	if d.onEmptyTxSkipped == nil {
		d.onEmptyTxSkipped = func() {}
	}
	return d
}

// idleErr signals the receive loop should hand control back to the
// supervisor so it can run the FastForwardProbe; it is not itself an error
// that halts the engine.
type idleErr struct{}

func (idleErr) Error() string { return "decoder: idle past WAL lag grace period" }

// Run opens START_REPLICATION at startLSN and decodes messages until ctx is
// cancelled, the stream idles past the grace period (returns idleErr so the
// caller can fast-forward and restart), or an unrecoverable error occurs.
func (d *Decoder) Run(ctx context.Context, startLSN pglogrepl.LSN) error {
	err := pglogrepl.StartReplication(ctx, d.conn, d.slotName, startLSN, pglogrepl.StartReplicationOptions{
		Mode: pglogrepl.LogicalReplication,
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", d.publication),
		},
	})
	if err != nil {
		return Classify("start replication", err)
	}

	d.lastDataAt = time.Now()

	for {
		if time.Since(d.lastDataAt) > d.walLagGracePeriod {
			return idleErr{}
		}

		recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		msg, err := d.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isTimeoutErr(err) {
				if err := d.feedback.MaybeSend(ctx, false); err != nil {
					return err
				}
				continue
			}
			return Classify("receive replication message", err)
		}

		switch m := msg.(type) {
		case *pgproto3.CopyData:
			if err := d.handleCopyData(ctx, m.Data); err != nil {
				return err
			}
		case *pgproto3.ErrorResponse:
			return Definite("replication stream error", fmt.Errorf("%s", m.Message))
		default:
			// Ignore other backend messages (NoticeResponse, etc.).
		}
	}
}

func (d *Decoder) handleCopyData(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return Classify("parse keepalive", err)
		}
		d.observedWALEnd = ka.ServerWALEnd
		if err := d.feedback.MaybeSend(ctx, ka.ReplyRequested); err != nil {
			return err
		}
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return Classify("parse xlog data", err)
		}
		d.lastDataAt = time.Now()
		d.observedWALEnd = xld.WALStart
		if err := d.decodeMessage(ctx, xld.WALData, xld.WALStart); err != nil {
			return err
		}
	}
	return nil
}

func (d *Decoder) decodeMessage(ctx context.Context, raw []byte, lsn pglogrepl.LSN) error {
	msg, err := pglogrepl.Parse(raw)
	if err != nil {
		return Classify("parse logical replication message", err)
	}

	switch m := msg.(type) {
	case *pglogrepl.BeginMessage:
		if d.state == stateInTxn {
			return Definite("begin", fmt.Errorf("BEGIN after uncommitted data"))
		}
		if len(d.inserts) != 0 || len(d.deletes) != 0 {
			return Definite("begin", fmt.Errorf("BEGIN with non-empty buffers"))
		}
		d.state = stateInTxn

	case *pglogrepl.CommitMessage:
		return d.handleCommit(m.TransactionEndLSN)

	case *pglogrepl.RelationMessage:
		return d.handleRelation(ctx, m)

	case *pglogrepl.InsertMessage:
		return d.handleInsert(m)

	case *pglogrepl.UpdateMessage:
		return d.handleUpdate(m)

	case *pglogrepl.DeleteMessage:
		return d.handleDelete(m)

	case *pglogrepl.TruncateMessage:
		names := make([]string, 0, len(m.RelationIDs))
		for _, oid := range m.RelationIDs {
			if t, ok := d.tables[oid]; ok {
				names = append(names, t.Desc.Namespace+"."+t.Desc.Name)
			}
		}
		return Definite("truncate", fmt.Errorf("TRUNCATE received for tables: %v", names))

	case *pglogrepl.OriginMessage, *pglogrepl.TypeMessage:
		// Ignored per spec §4.4.

	default:
		return Definite("decode", fmt.Errorf("unexpected logical replication message %T", msg))
	}
	return nil
}

func (d *Decoder) handleCommit(endLSN pglogrepl.LSN) error {
	d.lastCommitLSN = endLSN
	d.state = stateIdle

	if len(d.inserts) == 0 && len(d.deletes) == 0 {
		d.onEmptyTxSkipped()
	}

	for _, t := range d.deletes {
		if err := d.coalescer.SendRow(t.outputIndex, t.row, endLSN, -1); err != nil {
			return Definite("emit delete", err)
		}
	}
	for _, t := range d.inserts {
		if err := d.coalescer.SendRow(t.outputIndex, t.row, endLSN, +1); err != nil {
			return Definite("emit insert", err)
		}
	}
	if err := d.coalescer.CloseLsn(endLSN); err != nil {
		return Definite("close lsn", err)
	}

	d.inserts = d.inserts[:0]
	d.deletes = d.deletes[:0]
	return nil
}

func (d *Decoder) handleRelation(ctx context.Context, m *pglogrepl.RelationMessage) error {
	table, ok := d.tables[m.RelationID]
	if !ok {
		d.onIgnored(1)
		return nil
	}
	remote, err := d.fetcher.FetchSchema(ctx, m.RelationID)
	if err != nil {
		return Definite("fetch relation schema", err)
	}
	if !table.Desc.CompatibleWith(remote) {
		return Definite("relation compatibility",
			fmt.Errorf("table %s.%s schema changed incompatibly", table.Desc.Namespace, table.Desc.Name))
	}
	return nil
}

func (d *Decoder) handleInsert(m *pglogrepl.InsertMessage) error {
	table, ok := d.tables[m.RelationID]
	if !ok {
		d.onIgnored(1)
		return nil
	}
	row, err := d.decodeTuple(table, m.Tuple, nil)
	if err != nil {
		return Definite("decode insert tuple", err)
	}
	d.inserts = append(d.inserts, pendingTuple{outputIndex: table.OutputIndex, row: row})
	return nil
}

func (d *Decoder) handleUpdate(m *pglogrepl.UpdateMessage) error {
	table, ok := d.tables[m.RelationID]
	if !ok {
		d.onIgnored(1)
		return nil
	}
	if m.OldTuple == nil {
		return Definite("update without old tuple",
			fmt.Errorf("table %s.%s: missing old tuple — set REPLICA IDENTITY FULL", table.Desc.Namespace, table.Desc.Name))
	}
	oldRow, err := d.decodeTuple(table, m.OldTuple, nil)
	if err != nil {
		return Definite("decode update old tuple", err)
	}
	newRow, err := d.decodeTuple(table, m.NewTuple, m.OldTuple)
	if err != nil {
		return Definite("decode update new tuple", err)
	}
	d.deletes = append(d.deletes, pendingTuple{outputIndex: table.OutputIndex, row: oldRow})
	d.inserts = append(d.inserts, pendingTuple{outputIndex: table.OutputIndex, row: newRow})
	return nil
}

func (d *Decoder) handleDelete(m *pglogrepl.DeleteMessage) error {
	table, ok := d.tables[m.RelationID]
	if !ok {
		d.onIgnored(1)
		return nil
	}
	if m.OldTuple == nil {
		return Definite("delete without old tuple",
			fmt.Errorf("table %s.%s: missing old tuple — set REPLICA IDENTITY FULL", table.Desc.Namespace, table.Desc.Name))
	}
	row, err := d.decodeTuple(table, m.OldTuple, nil)
	if err != nil {
		return Definite("decode delete tuple", err)
	}
	d.deletes = append(d.deletes, pendingTuple{outputIndex: table.OutputIndex, row: row})
	return nil
}

// decodeTuple casts a replication tuple into a Row, back-filling any
// UnchangedToast column from the corresponding position of old (when
// present — only meaningful for Update's new tuple).
func (d *Decoder) decodeTuple(table *SourceTable, tuple *pglogrepl.TupleData, old *pglogrepl.TupleData) (Row, error) {
	row := make(Row, len(table.Casts))
	for i, col := range tuple.Columns {
		if i >= len(table.Casts) {
			break
		}
		switch col.DataType {
		case 'n': // NULL
			row[i] = nil
		case 'u': // UnchangedToast
			if old == nil || i >= len(old.Columns) {
				return nil, fmt.Errorf("unchanged-toast column %d with no old tuple to back-fill from", i)
			}
			v, err := castField(table.Casts[i], old.Columns[i].Data)
			if err != nil {
				return nil, err
			}
			row[i] = v
		default: // 't' text
			v, err := castField(table.Casts[i], col.Data)
			if err != nil {
				return nil, err
			}
			row[i] = v
		}
	}
	return row, nil
}

func castField(c cast.Cast, data []byte) (any, error) {
	if data == nil {
		return c(nil)
	}
	s := string(data)
	return c(&s)
}

// isTimeoutErr reports whether err is the per-iteration receive deadline
// expiring, as opposed to a genuine connection failure.
func isTimeoutErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// LastCommitLSN returns the most recently committed LSN, the resume point
// for a decoder restart.
func (d *Decoder) LastCommitLSN() pglogrepl.LSN {
	return d.lastCommitLSN
}

// ObservedWALEnd returns the most recent server WAL position seen in a
// keepalive or XLogData header. FastForwardProbe does not read it: it takes
// its new position from pg_current_wal_insert_lsn() instead.
func (d *Decoder) ObservedWALEnd() pglogrepl.LSN {
	return d.observedWALEnd
}
