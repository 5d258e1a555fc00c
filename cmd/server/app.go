package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/damon-houk/transaction-pipeline/internal/application/service"
	"github.com/damon-houk/transaction-pipeline/internal/domain/repository"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/cache"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/config"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/db"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/logger"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/metrics"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/queue"
	"github.com/dgraph-io/badger/v3"
	backend "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// app holds the components shared by every command
type app struct {
	cfg     *config.Config
	logger  logger.Logger
	metrics *metrics.Metrics
	redis   *backend.Client
	badger  *badger.DB
	cache   *cache.TransactionCache
	service *service.TransactionService
	queue   *queue.RedisQueue
}

// newApp loads configuration and opens the store and queue
func newApp(cmd *cobra.Command) (*app, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	log := logger.NewJSONLogger(os.Stdout, logger.ParseLevel(cfg.LogLevel))
	logger.SetDefaultLogger(log)

	a := &app{
		cfg:     cfg,
		logger:  log,
		metrics: metrics.New(),
	}

	a.redis = backend.NewClient(&backend.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		ReadTimeout:  cfg.StoreTimeout,
		WriteTimeout: cfg.StoreTimeout,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		a.redis.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	var store repository.KVStore
	switch cfg.StoreBackend {
	case config.BackendRedis:
		store = db.NewRedisStore(a.redis)
	default:
		a.badger, err = db.OpenBadger(cfg.DataDir)
		if err != nil {
			a.redis.Close()
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		store = db.NewBadgerStore(a.badger)
	}

	a.cache = cache.NewTransactionCache(nil)
	a.cache.SetExpiration(cfg.CacheTTL)
	a.service = service.NewTransactionService(
		db.NewTransactionRepository(store),
		log,
		service.WithDefaultDecider(service.RandomDecider(cfg.SuccessRate, nil)),
		service.WithReadCache(a.cache),
	)
	a.queue = queue.NewRedisQueue(a.redis, cfg.QueueName)

	log.Info("Application initialized", map[string]interface{}{
		"store_backend": cfg.StoreBackend,
		"queue":         cfg.QueueName,
		"redis_addr":    cfg.RedisAddr,
	})
	return a, nil
}

func (a *app) Close() {
	if a.badger != nil {
		if err := a.badger.Close(); err != nil {
			a.logger.Error("Error closing BadgerDB", map[string]interface{}{"error": err.Error()})
		}
	}
	if err := a.redis.Close(); err != nil {
		a.logger.Error("Error closing redis client", map[string]interface{}{"error": err.Error()})
	}
}

// runReconciler fails stuck transactions every interval until ctx is done.
// It also evicts expired read cache entries.
func (a *app) runReconciler(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if evicted := a.cache.CleanExpired(); evicted > 0 {
				a.logger.Debug("Evicted expired cache entries", map[string]interface{}{
					"evicted":   evicted,
					"remaining": a.cache.Size(),
				})
			}
			report, err := a.service.ReconcileStuck(ctx, a.cfg.ReconcileAfter)
			if err != nil {
				a.logger.Error("Reconciliation failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if report.Failed > 0 {
				a.logger.Warn("Reconciliation failed stuck transactions", map[string]interface{}{
					"examined": report.Examined,
					"failed":   report.Failed,
				})
			}
		}
	}
}
