package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/handler"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Starts the HTTP API. By default the queue workers and the reconciler run in the
same process, which is required with the badger store since its data directory
can only be opened by one process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		embedWorkers, _ := cmd.Flags().GetBool("workers")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		h := handler.NewTransactionHandler(a.service, a.queue, a.metrics, a.logger,
			handler.WithForcedOutcomes(a.cfg.AllowForcedOutcome))
		router := handler.NewRouter(h, a.metrics, a.logger)
		if a.cfg.MetricsEnabled {
			handler.RegisterMetricsRoute(router, a.metrics)
		}

		srv := &http.Server{
			Addr:              a.cfg.HTTPAddr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if embedWorkers {
			if err := recoverInFlight(ctx, a); err != nil {
				return err
			}
		}
		g, groupCtx := errgroup.WithContext(ctx)

		g.Go(func() error {
			a.logger.Info("Server listening", map[string]interface{}{"addr": srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})

		g.Go(func() error {
			<-groupCtx.Done()
			a.logger.Info("Shutting down server", nil)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		if embedWorkers {
			pool := worker.NewPool(a.queue, a.service, a.metrics, a.logger, worker.Config{
				Concurrency:        a.cfg.WorkerConcurrency,
				ReceiveTimeout:     a.cfg.ReceiveTimeout,
				AllowForcedOutcome: a.cfg.AllowForcedOutcome,
			})
			g.Go(func() error { return pool.Run(groupCtx) })
			g.Go(func() error { return a.runReconciler(groupCtx, a.cfg.ReconcileAfter) })
		}

		err = g.Wait()
		a.logger.Info("Server stopped", nil)
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("workers", true, "Run queue workers and the reconciler in this process")
}
