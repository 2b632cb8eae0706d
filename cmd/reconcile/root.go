package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"elibrary/internal/assetstore"
	"elibrary/internal/config"
	"elibrary/internal/logging"
	"elibrary/internal/orphan"
)

var (
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Delete book assets that no record references any more",
	Long: `reconcile drains the orphan queue filled by the API when a book's cover
or file is replaced, or when rolling back a failed upload could not delete
an object. Each queued asset is deleted from the bucket; assets that keep
failing are parked in a dead-letter list until revived.

Run it from cron or as a one-shot job after deploys.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (default: LOG_LEVEL or info)")
	rootCmd.AddCommand(newDrainCmd(), newStatusCmd(), newReviveCmd())
}

// deps are the collaborators a subcommand needs.
type deps struct {
	cfg    *config.Config
	logger logging.Logger
	queue  *orphan.RedisQueue
}

func setup(ctx context.Context) (*deps, error) {
	cfg, err := config.LoadReconciler()
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	queue, err := orphan.Dial(ctx, cfg.RedisAddr, cfg.OrphanQueueKey)
	if err != nil {
		return nil, err
	}
	return &deps{cfg: cfg, logger: logging.NewJSON(os.Stderr, level), queue: queue}, nil
}

func newDrainCmd() *cobra.Command {
	var (
		limit       int
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Delete queued orphaned assets",
		Example: `  reconcile drain
  reconcile drain --max 500 --max-attempts 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--max must be positive")
			}
			ctx := cmd.Context()
			d, err := setup(ctx)
			if err != nil {
				return err
			}
			defer d.queue.Close()

			store, err := assetstore.NewS3Store(ctx, assetstore.S3Config(d.cfg.S3))
			if err != nil {
				return err
			}

			rec := &orphan.Reconciler{
				Queue:       d.queue,
				Store:       assetstore.NewRetryingStore(store, nil),
				Logger:      d.logger,
				MaxAttempts: maxAttempts,
			}
			rep, err := rec.Drain(ctx, limit)
			fmt.Fprintf(cmd.OutOrStdout(), "recovered=%d deleted=%d requeued=%d abandoned=%d\n",
				rep.Recovered, rep.Deleted, rep.Requeued, rep.Abandoned)
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "max", 100, "Maximum number of queued assets to process")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 5, "Attempts before an asset is moved to the dead-letter list")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show how many orphaned assets are queued",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := setup(ctx)
			if err != nil {
				return err
			}
			defer d.queue.Close()

			st, err := d.queue.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued=%d processing=%d dead=%d key=%s\n",
				st.Queued, st.Processing, st.Dead, d.cfg.OrphanQueueKey)
			return nil
		},
	}
}

func newReviveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revive",
		Short: "Move dead-lettered assets back onto the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := setup(ctx)
			if err != nil {
				return err
			}
			defer d.queue.Close()

			n, err := d.queue.Revive(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revived=%d\n", n)
			return nil
		},
	}
}
