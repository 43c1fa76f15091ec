package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSupervisor_StopsOnDefiniteError(t *testing.T) {
	calls := 0
	run := func(ctx context.Context, coldStart bool) error {
		calls++
		return Definite("op", errors.New("schema gone"))
	}
	s := NewSupervisor(run, zerolog.Nop())
	err := s.Run(context.Background(), true)

	var de *DefiniteError
	if !errors.As(err, &de) {
		t.Fatalf("got %v, want DefiniteError", err)
	}
	if calls != 1 {
		t.Errorf("run called %d times, want exactly 1 (no retry on definite)", calls)
	}
}

func TestSupervisor_StopsOnIrrecoverableError(t *testing.T) {
	calls := 0
	run := func(ctx context.Context, coldStart bool) error {
		calls++
		return Irrecoverable("op", errors.New("partial snapshot"))
	}
	s := NewSupervisor(run, zerolog.Nop())
	err := s.Run(context.Background(), true)

	var re *IrrecoverableError
	if !errors.As(err, &re) {
		t.Fatalf("got %v, want IrrecoverableError", err)
	}
	if calls != 1 {
		t.Errorf("run called %d times, want exactly 1", calls)
	}
}

func TestSupervisor_RetriesIndefiniteErrors(t *testing.T) {
	calls := 0
	run := func(ctx context.Context, coldStart bool) error {
		calls++
		if calls < 3 {
			return Indefinite("op", errors.New("connection reset"))
		}
		return nil
	}
	s := NewSupervisor(run, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), true) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil after eventual success", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return within the expected backoff window")
	}
	if calls != 3 {
		t.Errorf("run called %d times, want 3", calls)
	}
}

func TestSupervisor_FastForwardsOnIdleWithoutBackoff(t *testing.T) {
	calls := 0
	run := func(ctx context.Context, coldStart bool) error {
		calls++
		if calls < 3 {
			return idleErr{}
		}
		return nil
	}
	s := NewSupervisor(run, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), true) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle retries should not incur backoff delay")
	}
	if calls != 3 {
		t.Errorf("run called %d times, want 3", calls)
	}
}

func TestSupervisor_StopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	run := func(ctx context.Context, coldStart bool) error {
		return Indefinite("op", errors.New("transient"))
	}
	s := NewSupervisor(run, zerolog.Nop())

	cancel()
	err := s.Run(ctx, true)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
