// Package worker consumes processing requests from the queue and drives
// them through the transaction service.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/damon-houk/transaction-pipeline/internal/application/service"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/logger"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/metrics"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/middleware"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/queue"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReceiveTimeout = 5 * time.Second
	receiveBackoff        = time.Second
	settleTimeout         = 5 * time.Second
	processTimeout        = 30 * time.Second
)

// Consumer is the receiving side of the queue
type Consumer interface {
	Receive(ctx context.Context, timeout time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Nack(ctx context.Context, d *queue.Delivery) error
}

// Processor settles one transaction. *service.TransactionService implements it.
type Processor interface {
	ProcessTransaction(ctx context.Context, id string, decide service.OutcomeDecider) (service.ProcessResult, error)
}

// Config controls a Pool
type Config struct {
	Concurrency        int
	ReceiveTimeout     time.Duration
	AllowForcedOutcome bool
}

// Pool runs a fixed number of consumers against one queue
type Pool struct {
	consumer  Consumer
	processor Processor
	metrics   *metrics.Metrics
	logger    logger.Logger
	cfg       Config
}

// NewPool creates a worker pool
func NewPool(consumer Consumer, processor Processor, m *metrics.Metrics, log logger.Logger, cfg Config) *Pool {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = defaultReceiveTimeout
	}

	return &Pool{
		consumer:  consumer,
		processor: processor,
		metrics:   m,
		logger:    log.WithField("component", "worker"),
		cfg:       cfg,
	}
}

// Run consumes until ctx is cancelled. It returns nil on a clean shutdown.
func (p *Pool) Run(ctx context.Context) error {
	g, groupCtx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := i
		g.Go(func() error {
			return p.consume(groupCtx, workerID)
		})
	}

	p.logger.Info("Worker pool started", map[string]interface{}{
		"concurrency": p.cfg.Concurrency,
	})
	err := g.Wait()
	p.logger.Info("Worker pool stopped", nil)
	return err
}

func (p *Pool) consume(ctx context.Context, workerID int) error {
	log := p.logger.WithField("worker_id", workerID)

	for {
		if ctx.Err() != nil {
			return nil
		}

		d, err := p.consumer.Receive(ctx, p.cfg.ReceiveTimeout)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			log.Error("Failed to receive message", map[string]interface{}{"error": err.Error()})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveBackoff):
			}
			continue
		}

		if err := p.Handle(ctx, d); err != nil {
			log.Error("Failed to settle message", map[string]interface{}{"error": err.Error()})
		}
	}
}

// Handle processes one delivery and acknowledges or rejects it. The returned
// error only reports a failed ack or nack.
func (p *Pool) Handle(ctx context.Context, d *queue.Delivery) error {
	msg, err := d.Decode()
	if err != nil {
		p.logger.Error("Dropping undecodable message", map[string]interface{}{
			"error": err.Error(),
			"body":  d.Body,
		})
		p.metrics.QueueMessages.WithLabelValues("dropped").Inc()
		return p.settle(ctx, d, true)
	}

	if msg.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, msg.CorrelationID)
	}
	log := p.logger.WithFields(map[string]interface{}{
		"correlation_id": middleware.GetCorrelationID(ctx),
		"id":             msg.TransactionID,
	})

	var decide service.OutcomeDecider
	if msg.ForceOutcome != "" {
		if p.cfg.AllowForcedOutcome {
			decide = service.ForcedDecider(msg.ForceOutcome)
		} else {
			log.Warn("Ignoring forced outcome", map[string]interface{}{"force_outcome": msg.ForceOutcome})
		}
	}

	// Once started, a transaction is carried to its outcome even when the
	// pool is shutting down
	processCtx, cancelProcess := context.WithTimeout(context.WithoutCancel(ctx), processTimeout)
	defer cancelProcess()

	res, err := p.processor.ProcessTransaction(processCtx, msg.TransactionID, decide)
	if err != nil {
		p.metrics.ProcessingFaults.Inc()

		// Another writer already settled it; redelivery has nothing to do
		if errors.Is(err, service.ErrSettledConcurrently) {
			log.Error("Transaction settled concurrently", map[string]interface{}{"error": err.Error()})
			p.metrics.QueueMessages.WithLabelValues("acked").Inc()
			return p.settle(ctx, d, true)
		}

		log.Warn("Processing failed, message will be redelivered", map[string]interface{}{"error": err.Error()})
		p.metrics.QueueMessages.WithLabelValues("nacked").Inc()
		return p.settle(ctx, d, false)
	}

	result := "skipped"
	if res.Processed {
		result = string(res.Status)
	}
	p.metrics.ProcessingResults.WithLabelValues(result).Inc()
	log.Info("Message handled", map[string]interface{}{
		"processed": res.Processed,
		"status":    res.Status,
	})

	p.metrics.QueueMessages.WithLabelValues("acked").Inc()
	return p.settle(ctx, d, true)
}

// settle acks or nacks d even if ctx is already cancelled
func (p *Pool) settle(ctx context.Context, d *queue.Delivery, ack bool) error {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if ack {
		return p.consumer.Ack(settleCtx, d)
	}
	return p.consumer.Nack(settleCtx, d)
}
