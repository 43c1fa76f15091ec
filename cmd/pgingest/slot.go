package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgingest/internal/pgwire"
)

var slotCmd = &cobra.Command{
	Use:   "slot",
	Short: "Inspect or manage the replication slot",
}

var slotShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current confirmed_flush_lsn for the configured slot",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conn, err := pgconn.Connect(ctx, cfg.Source.DSN())
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer conn.Close(ctx)

		w := pgwire.NewConn(conn, logger)
		info, err := w.QuerySlot(ctx, cfg.Replication.SlotName)
		if err != nil {
			return err
		}
		if !info.Exists {
			fmt.Printf("slot %q does not exist\n", cfg.Replication.SlotName)
			return nil
		}
		fmt.Printf("slot:               %s\n", cfg.Replication.SlotName)
		fmt.Printf("confirmed_flush_lsn: %s\n", info.ConfirmedFlushLSN)
		return nil
	},
}

var slotDropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop the configured replication slot",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conn, err := pgconn.Connect(ctx, cfg.Source.DSN())
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer conn.Close(ctx)

		w := pgwire.NewConn(conn, logger)
		if err := w.DropReplicationSlot(ctx, cfg.Replication.SlotName); err != nil {
			return err
		}
		fmt.Printf("dropped slot %q\n", cfg.Replication.SlotName)
		return nil
	},
}

func init() {
	slotCmd.AddCommand(slotShowCmd)
	slotCmd.AddCommand(slotDropCmd)
	rootCmd.AddCommand(slotCmd)
}
