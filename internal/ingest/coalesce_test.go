package ingest

import (
	"errors"
	"testing"

	"github.com/jackc/pglogrepl"
)

type recordingSink struct {
	records []OutputRecord
}

func (s *recordingSink) Send(rec OutputRecord) error {
	s.records = append(s.records, rec)
	return nil
}

func TestCoalescer_SingleRowPerLsn(t *testing.T) {
	sink := &recordingSink{}
	c := NewCoalescer(sink)

	if err := c.SendRow(1, Row{"a"}, pglogrepl.LSN(100), +1); err != nil {
		t.Fatalf("send_row: %v", err)
	}
	if err := c.CloseLsn(pglogrepl.LSN(100)); err != nil {
		t.Fatalf("close_lsn: %v", err)
	}

	if len(sink.records) != 1 {
		t.Fatalf("got %d records, want 1", len(sink.records))
	}
	if !sink.records[0].End {
		t.Errorf("lone record at a closed lsn must have End=true")
	}
}

func TestCoalescer_ExactlyOneEndPerLsn(t *testing.T) {
	sink := &recordingSink{}
	c := NewCoalescer(sink)

	for i := 0; i < 5; i++ {
		if err := c.SendRow(1, Row{i}, pglogrepl.LSN(100), +1); err != nil {
			t.Fatalf("send_row %d: %v", i, err)
		}
	}
	if err := c.CloseLsn(pglogrepl.LSN(100)); err != nil {
		t.Fatalf("close_lsn: %v", err)
	}

	if len(sink.records) != 5 {
		t.Fatalf("got %d records, want 5", len(sink.records))
	}
	ends := 0
	for i, rec := range sink.records {
		if rec.End {
			ends++
			if i != len(sink.records)-1 {
				t.Errorf("End=true on non-final record %d", i)
			}
		}
	}
	if ends != 1 {
		t.Errorf("got %d End=true records, want exactly 1", ends)
	}
}

func TestCoalescer_SendRowAtLaterLsnWithoutClose(t *testing.T) {
	sink := &recordingSink{}
	c := NewCoalescer(sink)

	if err := c.SendRow(1, Row{"a"}, pglogrepl.LSN(100), +1); err != nil {
		t.Fatalf("send_row: %v", err)
	}
	err := c.SendRow(1, Row{"b"}, pglogrepl.LSN(200), +1)
	if err == nil {
		t.Fatal("expected error sending a new lsn over a still-buffered row")
	}
}

func TestCoalescer_CloseLsnBeforeBufferedRow(t *testing.T) {
	sink := &recordingSink{}
	c := NewCoalescer(sink)

	if err := c.SendRow(1, Row{"a"}, pglogrepl.LSN(200), +1); err != nil {
		t.Fatalf("send_row: %v", err)
	}
	err := c.CloseLsn(pglogrepl.LSN(100))
	if err == nil {
		t.Fatal("expected error closing an lsn earlier than the buffered row")
	}
}

func TestCoalescer_CloseLsnWithNothingBuffered(t *testing.T) {
	sink := &recordingSink{}
	c := NewCoalescer(sink)

	if err := c.CloseLsn(pglogrepl.LSN(100)); err != nil {
		t.Fatalf("close_lsn on empty coalescer should be a no-op: %v", err)
	}
	if len(sink.records) != 0 {
		t.Fatalf("got %d records, want 0", len(sink.records))
	}
}

func TestCoalescer_SinkErrorPropagates(t *testing.T) {
	failing := sinkFunc(func(OutputRecord) error { return errors.New("downstream full") })
	c := NewCoalescer(failing)

	if err := c.SendRow(1, Row{"a"}, pglogrepl.LSN(100), +1); err != nil {
		t.Fatalf("send_row: %v", err)
	}
	if err := c.CloseLsn(pglogrepl.LSN(100)); err == nil {
		t.Fatal("expected sink error to propagate from close_lsn")
	}
}

type sinkFunc func(OutputRecord) error

func (f sinkFunc) Send(rec OutputRecord) error { return f(rec) }
