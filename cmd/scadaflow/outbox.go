package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rbaliyan/scadaflow/outbox"
)

var requeueAll bool

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and repair a node's outbox",
}

var outboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print outbox row counts as JSON",
	RunE:  runOutboxStats,
}

var outboxRequeueCmd = &cobra.Command{
	Use:   "requeue [id...]",
	Short: "Move FAILED rows back to PENDING",
	Long: `Resets the retry budget of FAILED outbox rows so the dispatcher picks them
up again. Pass row ids, or --all to requeue every FAILED row.`,
	RunE: runOutboxRequeue,
}

func init() {
	outboxRequeueCmd.Flags().BoolVar(&requeueAll, "all", false, "requeue every FAILED row")
	outboxCmd.AddCommand(outboxStatsCmd, outboxRequeueCmd)
	rootCmd.AddCommand(outboxCmd)
}

func runOutboxStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, err := openDB(ctx, cfg.Producer.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	snap, err := outbox.NewDispatcher(outbox.NewPostgresStore(db), nil).
		WithInstanceID("cli").
		Metrics(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func runOutboxRequeue(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !requeueAll {
		return errors.New("pass row ids or --all")
	}
	if len(args) > 0 && requeueAll {
		return errors.New("--all cannot be combined with row ids")
	}

	ctx := cmd.Context()
	db, err := openDB(ctx, cfg.Producer.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := outbox.NewPostgresStore(db).Requeue(ctx, time.Now().UTC(), args...)
	if err != nil {
		return err
	}
	fmt.Printf("Requeued %d rows\n", n)
	return nil
}
