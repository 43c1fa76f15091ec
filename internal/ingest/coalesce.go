package ingest

import (
	"fmt"

	"github.com/jackc/pglogrepl"
)

// bufferedRow is the Coalescer's single pending output record, held back so
// the `end` flag can be decided by the next call rather than by lookahead.
type bufferedRow struct {
	outputIndex int
	row         Row
	lsn         pglogrepl.LSN
	diff        int8
}

// Sink receives fully-decided OutputRecords, one at a time, in order.
type Sink interface {
	Send(OutputRecord) error
}

// Coalescer buffers at most one pending row so it can stamp the end-of-LSN
// marker on the correct record without ever looking ahead in the upstream
// stream. It guarantees exactly one end=true record per closed LSN.
type Coalescer struct {
	sink     Sink
	buffered *bufferedRow
}

// NewCoalescer creates a Coalescer that flushes decided records to sink.
func NewCoalescer(sink Sink) *Coalescer {
	return &Coalescer{sink: sink}
}

// SendRow buffers a new row, first flushing any previously buffered row
// (with end=false) at the same LSN. lsn must equal the buffered row's LSN
// if one is pending — callers never skip LSNs without a close_lsn.
func (c *Coalescer) SendRow(outputIndex int, row Row, lsn pglogrepl.LSN, diff int8) error {
	if c.buffered != nil {
		if c.buffered.lsn != lsn {
			return fmt.Errorf("coalesce: send_row at %s with buffered row pending at %s", lsn, c.buffered.lsn)
		}
		if err := c.flush(false); err != nil {
			return err
		}
	}
	c.buffered = &bufferedRow{outputIndex: outputIndex, row: row, lsn: lsn, diff: diff}
	return nil
}

// CloseLsn flushes any buffered row with end=true, sealing lsn. The
// buffered row's LSN must be less than or equal to lsn.
func (c *Coalescer) CloseLsn(lsn pglogrepl.LSN) error {
	if c.buffered == nil {
		return nil
	}
	if c.buffered.lsn > lsn {
		return fmt.Errorf("coalesce: close_lsn(%s) with buffered row at later lsn %s", lsn, c.buffered.lsn)
	}
	return c.flush(true)
}

func (c *Coalescer) flush(end bool) error {
	b := c.buffered
	c.buffered = nil
	return c.sink.Send(OutputRecord{
		OutputIndex: b.outputIndex,
		Row:         b.row,
		LSN:         b.lsn,
		Diff:        b.diff,
		End:         end,
	})
}
