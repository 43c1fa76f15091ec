package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// backoffStart is the initial retry delay for an IndefiniteError; it
// doubles on each consecutive failure up to backoffCap (spec §4.8).
const (
	backoffStart = 3 * time.Second
	backoffCap   = 2 * time.Minute
)

// RunFunc is one attempt at driving the engine forward — opening the
// connections, running bootstrap/snapshot/rewind as needed, and streaming
// until it either returns nil (caller is shutting down cleanly), idleErr
// (fast-forward and retry immediately), or a classified error.
type RunFunc func(ctx context.Context, coldStart bool) error

// Supervisor dispatches on the three-valued error taxonomy: Definite errors
// stop the process, Indefinite errors retry with capped exponential
// backoff, and Irrecoverable errors also stop the process but are logged
// distinctly since they signal a state the engine could not safely repair
// on its own (spec §4.8).
type Supervisor struct {
	run    RunFunc
	logger zerolog.Logger
}

// NewSupervisor wraps run with the retry/halt policy.
func NewSupervisor(run RunFunc, logger zerolog.Logger) *Supervisor {
	return &Supervisor{run: run, logger: logger.With().Str("component", "supervisor").Logger()}
}

// Run drives run until ctx is cancelled or a Definite/Irrecoverable error
// is returned. The coldStart argument is passed to run on the first attempt
// only; every retry receives false. Whether bootstrap is needed is left to
// the run function (Source.runOnce decides it from the resume LSN).
func (s *Supervisor) Run(ctx context.Context, coldStart bool) error {
	backoff := backoffStart
	first := coldStart

	for {
		err := s.run(ctx, first)
		first = false

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var fwd idleErr
		if errors.As(err, &fwd) {
			s.logger.Debug().Msg("idle past grace period, fast-forwarding")
			continue
		}

		var de *DefiniteError
		if errors.As(err, &de) {
			s.logger.Error().Err(err).Msg("definite error, halting")
			return err
		}

		var re *IrrecoverableError
		if errors.As(err, &re) {
			s.logger.Error().Err(err).Msg("irrecoverable error, halting for operator intervention")
			return err
		}

		var ie *IndefiniteError
		if errors.As(err, &ie) {
			s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("indefinite error, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
			continue
		}

		// An unclassified error from run is a programming error in the
		// caller, not a data-path failure; treat it as definite.
		s.logger.Error().Err(err).Msg("unclassified error, halting")
		return err
	}
}
