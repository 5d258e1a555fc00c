package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume the processing queue",
	Long:  `Runs queue workers and the reconciler without the HTTP API. Use with the redis store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := recoverInFlight(ctx, a); err != nil {
			return err
		}

		pool := worker.NewPool(a.queue, a.service, a.metrics, a.logger, worker.Config{
			Concurrency:        a.cfg.WorkerConcurrency,
			ReceiveTimeout:     a.cfg.ReceiveTimeout,
			AllowForcedOutcome: a.cfg.AllowForcedOutcome,
		})

		g, groupCtx := errgroup.WithContext(ctx)
		g.Go(func() error { return pool.Run(groupCtx) })
		g.Go(func() error { return a.runReconciler(groupCtx, a.cfg.ReconcileAfter) })
		return g.Wait()
	},
}

// recoverInFlight requeues messages a previous worker received but never settled
func recoverInFlight(ctx context.Context, a *app) error {
	n, err := a.queue.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Warn("Requeued unacknowledged messages", map[string]interface{}{"count": n})
	}
	return nil
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
