package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgingest/internal/cast"
	"github.com/jfoltran/pgingest/internal/ingest"
	"github.com/jfoltran/pgingest/internal/metrics"
	"github.com/jfoltran/pgingest/internal/tui"
)

var (
	runAPIPort int
	runTUI     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bootstrap and stream a publication into a retraction feed",
	Long: `Run establishes (or resumes) the replication slot, snapshots every
published table under a consistent transaction, replays any gap a
pre-existing slot left behind, and then streams logical replication
changes indefinitely. Output records are made available on an internal
channel for an embedding host; the standalone CLI only reports metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx := cmd.Context()

		replConn, err := pgconn.Connect(ctx, cfg.Source.ReplicationDSN())
		if err != nil {
			return fmt.Errorf("connect (replication): %w", err)
		}
		defer replConn.Close(ctx)

		plainConn, err := pgconn.Connect(ctx, cfg.Source.DSN())
		if err != nil {
			return fmt.Errorf("connect (plain): %w", err)
		}
		defer plainConn.Close(ctx)

		registry := cast.NewRegistry()
		tables, err := ingest.DiscoverTables(ctx, plainConn, cfg.Replication.Publication, registry)
		if err != nil {
			return fmt.Errorf("discover published tables: %w", err)
		}
		if len(tables) == 0 {
			return fmt.Errorf("publication %q exposes no tables", cfg.Replication.Publication)
		}

		collector := metrics.NewCollector(logger)
		defer collector.Close()
		collector.SetPhase("bootstrap")

		tableProgress := make([]metrics.TableProgress, 0, len(tables))
		for _, t := range tables {
			tableProgress = append(tableProgress, metrics.TableProgress{
				Schema: t.Desc.Namespace,
				Name:   t.Desc.Name,
				Status: metrics.TablePending,
			})
		}
		collector.SetTables(tableProgress)

		persister, err := metrics.NewStatePersister(collector, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("state persistence disabled")
		} else {
			persister.Start()
			defer persister.Stop()
		}

		source := ingest.NewSource(replConn, plainConn, ingest.Config{
			SlotName:          cfg.Replication.SlotName,
			Publication:       cfg.Replication.Publication,
			FeedbackInterval:  cfg.Replication.FeedbackInterval,
			WALLagGracePeriod: cfg.Replication.WALLagGracePeriod,
			ChunkTimeout:      cfg.Snapshot.ChunkTimeout,
			QueueDepth:        ingest.DefaultQueueDepth,
		}, tables, collector, logger)

		drainCtx, cancelDrain := context.WithCancel(ctx)
		defer cancelDrain()
		go drainOutput(drainCtx, source, collector)

		if runAPIPort > 0 {
			logger.Warn().Msg("api-port is reserved for embedding hosts and is not yet served standalone")
		}

		if runTUI {
			errCh := make(chan error, 1)
			go func() { errCh <- source.Supervisor().Run(ctx, true) }()
			if err := tui.Run(collector); err != nil {
				return err
			}
			return <-errCh
		}

		return source.Supervisor().Run(ctx, true)
	},
}

// drainOutput is the CLI's own minimal consumer: it acknowledges every
// record immediately so the resume floor advances and the queue never
// backs up. A real embedding host replaces this with its own committer
// wired to Source.ResumeLsn.
func drainOutput(ctx context.Context, source *ingest.Source, collector *metrics.Collector) {
	for {
		select {
		case rec, ok := <-source.Output():
			if !ok {
				return
			}
			collector.RecordApplied(rec.LSN, 1, 0)
			if rec.End {
				source.ResumeLsn().CommitOffset(rec.LSN)
			}
		case <-ctx.Done():
			return
		}
	}
}

func init() {
	runCmd.Flags().IntVar(&runAPIPort, "api-port", 0, "Reserved for embedding hosts (not yet served standalone)")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show terminal dashboard while running")
	rootCmd.AddCommand(runCmd)
}
