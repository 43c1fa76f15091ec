package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgingest/internal/pgcopy"
)

// SnapshotProgress is reported once per table boundary and, between them, at
// most once per reporting interval while rows are streaming.
type SnapshotProgress func(table TableSchema, rowsCopied int64, done bool)

// FaultInjector is consulted by classifyFailure once a snapshot has already
// emitted its first row downstream, letting a test or an embedding host
// override the default after-first-row escalation policy — grounded on the
// WithChaos wrapper pattern, reduced to a single yes/no hook since this
// engine has only the one escalation decision to gate.
type FaultInjector interface {
	// ShouldEscalate reports whether op's failure should be promoted to
	// Irrecoverable. The default injector always returns true, matching the
	// unconditional escalation spec.md §4.2 describes.
	ShouldEscalate(op string, err error) bool
}

type noopFaultInjector struct{}

func (noopFaultInjector) ShouldEscalate(string, error) bool { return true }

// Snapshotter reads every published table under the bootstrap transaction's
// snapshot, emitting each row as an insert at slot_lsn, per spec §4.2. It
// runs tables strictly one at a time: the source connection is pinned to a
// single transaction for the whole snapshot phase, so concurrent COPY
// streams are not possible without a second connection sharing the
// transaction's export — out of scope here.
type Snapshotter struct {
	conn         *pgconn.PgConn
	coalescer    *Coalescer
	chunkTimeout time.Duration
	logger       zerolog.Logger
	progress     SnapshotProgress
	faults       FaultInjector

	firstRowSeen bool
}

// NewSnapshotter wraps the connection left open inside a SlotManager's
// bootstrap transaction.
func NewSnapshotter(conn *pgconn.PgConn, coalescer *Coalescer, chunkTimeout time.Duration, logger zerolog.Logger) *Snapshotter {
	if chunkTimeout <= 0 {
		chunkTimeout = 30 * time.Second
	}
	return &Snapshotter{
		conn:         conn,
		coalescer:    coalescer,
		chunkTimeout: chunkTimeout,
		logger:       logger.With().Str("component", "snapshotter").Logger(),
		faults:       noopFaultInjector{},
	}
}

// SetProgressFunc installs a progress callback.
func (s *Snapshotter) SetProgressFunc(fn SnapshotProgress) {
	s.progress = fn
}

// SetFaultInjector overrides the after-first-row escalation policy; passing
// nil restores the default unconditional escalation.
func (s *Snapshotter) SetFaultInjector(f FaultInjector) {
	if f == nil {
		f = noopFaultInjector{}
	}
	s.faults = f
}

// CopyTable streams one table's rows as inserts stamped at slotLSN. The
// caller iterates its published tables in any stable order and calls
// CopyTable once per table; after the last table it must call Finish to
// seal slotLSN.
func (s *Snapshotter) CopyTable(ctx context.Context, table *SourceTable, slotLSN pglogrepl.LSN) error {
	log := s.logger.With().Str("table", table.Desc.Namespace+"."+table.Desc.Name).Logger()
	log.Info().Msg("starting snapshot copy")

	pr, pw := io.Pipe()
	copyErrCh := make(chan error, 1)
	go func() {
		sql := fmt.Sprintf("COPY %s TO STDOUT (FORMAT TEXT, DELIMITER E'\\t')", quoteQualifiedName(table.Desc.Namespace, table.Desc.Name))
		_, err := s.conn.CopyTo(ctx, pw, sql)
		pw.CloseWithError(err)
		copyErrCh <- err
	}()

	type lineMsg struct {
		line []byte
		err  error
	}
	lineCh := make(chan lineMsg)
	go func() {
		defer close(lineCh)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			lineCh <- lineMsg{line: line}
		}
		if err := scanner.Err(); err != nil {
			lineCh <- lineMsg{err: err}
		}
	}()

	var rowCount int64
	lastReport := time.Now()
	for {
		select {
		case msg, ok := <-lineCh:
			if !ok {
				if err := <-copyErrCh; err != nil {
					return s.classifyFailure("copy table", err)
				}
				s.reportDone(table.Desc, rowCount)
				return nil
			}
			if msg.err != nil {
				return s.classifyFailure("read copy stream", msg.err)
			}
			row, err := s.decodeRow(table, msg.line)
			if err != nil {
				return s.classifyFailure("decode snapshot row", err)
			}
			if err := s.coalescer.SendRow(table.OutputIndex, row, slotLSN, +1); err != nil {
				return s.classifyFailure("emit snapshot row", err)
			}
			rowCount++
			s.firstRowSeen = true
			if s.progress != nil && time.Since(lastReport) >= 500*time.Millisecond {
				s.progress(table.Desc, rowCount, false)
				lastReport = time.Now()
			}

		case <-time.After(s.chunkTimeout):
			return s.classifyFailure("snapshot chunk timeout",
				fmt.Errorf("no row received from %s within %s", table.Desc.Name, s.chunkTimeout))

		case <-ctx.Done():
			return Classify("snapshot cancelled", ctx.Err())
		}
	}
}

// classifyFailure escalates to irrecoverable once any row from any table has
// already been emitted downstream: a mid-stream COPY failure after rows have
// left the coalescer can no longer be undone by simply not committing. Before
// that point, a transport hiccup is merely indefinite and retryable from a
// clean slate. The escalation itself is only ever at the fault injector's
// discretion — the default injector always confirms it.
func (s *Snapshotter) classifyFailure(op string, err error) error {
	if s.firstRowSeen && s.faults.ShouldEscalate(op, err) {
		return Irrecoverable(op, err)
	}
	return Classify(op, err)
}

func (s *Snapshotter) decodeRow(table *SourceTable, line []byte) (Row, error) {
	fields, err := pgcopy.ParseLine(line)
	if err != nil {
		return nil, err
	}
	fields = pgcopy.TruncateOrPad(fields, len(table.Casts))
	row := make(Row, len(fields))
	for i, f := range fields {
		v, err := table.Casts[i](f)
		if err != nil {
			return nil, fmt.Errorf("cast column %s: %w", table.Desc.Columns[i].Name, err)
		}
		row[i] = v
	}
	return row, nil
}

func (s *Snapshotter) reportDone(table TableSchema, rows int64) {
	s.logger.Info().Str("table", table.Namespace+"."+table.Name).Int64("rows", rows).Msg("snapshot copy complete")
	if s.progress != nil {
		s.progress(table, rows, true)
	}
}

// Finish closes the snapshot epoch at slotLSN once every table has been
// copied, stamping the final end=true record of the bootstrap.
func (s *Snapshotter) Finish(slotLSN pglogrepl.LSN) error {
	if err := s.coalescer.CloseLsn(slotLSN); err != nil {
		return Definite("close snapshot lsn", err)
	}
	return nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteQualifiedName(namespace, name string) string {
	if namespace == "" {
		return quoteIdent(name)
	}
	return quoteIdent(namespace) + "." + quoteIdent(name)
}
