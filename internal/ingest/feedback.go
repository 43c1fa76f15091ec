package ingest

import (
	"context"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
)

// FeedbackTicker sends periodic standby_status_update messages reporting
// ResumeLsn as the write/flush/apply position, per spec §4.6. It is driven
// from inside the Decoder's receive loop rather than its own goroutine: the
// replication protocol requires status updates to be interleaved on the
// same connection the stream is read from, so there is nothing to gain from
// a separate timer goroutine racing the receive loop for the socket.
type FeedbackTicker struct {
	conn      *pgconn.PgConn
	resumeLsn *ResumeLsn
	interval  time.Duration
	lastSent  time.Time
}

// NewFeedbackTicker creates a ticker bound to conn, reporting resumeLsn's
// current value no less often than interval.
func NewFeedbackTicker(conn *pgconn.PgConn, resumeLsn *ResumeLsn, interval time.Duration) *FeedbackTicker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &FeedbackTicker{conn: conn, resumeLsn: resumeLsn, interval: interval}
}

// MaybeSend sends a status update if interval has elapsed since the last
// one, or unconditionally when force is true (the server set ReplyRequested
// on its last keepalive).
func (f *FeedbackTicker) MaybeSend(ctx context.Context, force bool) error {
	if !force && time.Since(f.lastSent) < f.interval {
		return nil
	}
	committed := f.resumeLsn.Load()
	err := pglogrepl.SendStandbyStatusUpdate(ctx, f.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: committed,
		WALFlushPosition: committed,
		WALApplyPosition: committed,
		ClientTime:       time.Now(),
	})
	if err != nil {
		return Classify("send standby status update", err)
	}
	f.lastSent = time.Now()
	return nil
}
