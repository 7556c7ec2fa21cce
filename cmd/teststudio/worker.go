package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/idpops/teststudio/pkg/queue"
	"github.com/idpops/teststudio/pkg/replicate"
	"github.com/idpops/teststudio/pkg/store"
	"github.com/idpops/teststudio/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a standalone execution worker",
	Long: `Start an execution worker that consumes test run work orders from
SQS. Requires the sqs queue driver; with the memory driver the worker
already runs inside the serve process.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Queue.Driver != "sqs" {
		return fmt.Errorf(
			"standalone worker requires the sqs queue driver " +
				"(the memory queue lives inside the serve process)",
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	q, err := queue.NewSQSQueue(log, &cfg.Queue.SQS)
	if err != nil {
		return fmt.Errorf("building queue: %w", err)
	}

	replicator := replicate.NewS3Replicator(
		log, &cfg.Storage, cfg.Worker.CopyConcurrency,
	)

	opts := worker.Options{}

	if cfg.Worker.StaleAfter != "" {
		// Validated during config load.
		opts.StaleAfter, _ = time.ParseDuration(cfg.Worker.StaleAfter)
	}

	if cfg.Worker.SweepInterval != "" {
		opts.SweepInterval, _ = time.ParseDuration(cfg.Worker.SweepInterval)
	}

	w := worker.NewWorker(log, st, q, replicator, replicator, opts)

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down worker")
	cancel()

	if err := w.Stop(); err != nil {
		return fmt.Errorf("stopping worker: %w", err)
	}

	if err := st.Stop(); err != nil {
		return fmt.Errorf("stopping store: %w", err)
	}

	return nil
}
