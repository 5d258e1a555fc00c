package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/damon-houk/transaction-pipeline/internal/domain/entity"
	"github.com/damon-houk/transaction-pipeline/internal/domain/repository"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/logger"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/middleware"
	"github.com/google/uuid"
)

var (
	// ErrInvalidOutcome is returned when a decider yields a status that is not
	// a legal edge out of PROCESSING
	ErrInvalidOutcome = errors.New("invalid processing outcome")

	// ErrStuckProcessing is returned when a transaction this call moved into
	// PROCESSING could not be settled. It needs reconciliation.
	ErrStuckProcessing = errors.New("transaction stuck in processing")

	// ErrSettledConcurrently is wrapped with ErrStuckProcessing when another
	// writer moved the transaction out of PROCESSING first
	ErrSettledConcurrently = errors.New("transaction left processing concurrently")
)

// ReasonProcessingTimeout is recorded on transactions failed by reconciliation
const ReasonProcessingTimeout = "PROCESSING_TIMEOUT"

// ProcessResult reports what one processing attempt did
type ProcessResult struct {
	Processed bool          `json:"processed"`
	Status    entity.Status `json:"status,omitempty"`
}

// ReconcileReport summarises a reconciliation pass
type ReconcileReport struct {
	Examined int `json:"examined"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// ReadCache holds settled transactions for reads
type ReadCache interface {
	Get(id string) *entity.Transaction
	Put(tx *entity.Transaction) bool
}

// TransactionService handles business logic for transactions
type TransactionService struct {
	repo    repository.TransactionRepository
	logger  logger.Logger
	clock   entity.Clock
	newID   func() string
	decider OutcomeDecider
	cache   ReadCache
}

// Option configures a TransactionService
type Option func(*TransactionService)

// WithClock sets the time source used for timestamps
func WithClock(clock entity.Clock) Option {
	return func(s *TransactionService) { s.clock = clock }
}

// WithIDGenerator sets the transaction id generator
func WithIDGenerator(fn func() string) Option {
	return func(s *TransactionService) { s.newID = fn }
}

// WithDefaultDecider sets the decider used when ProcessTransaction gets none
func WithDefaultDecider(d OutcomeDecider) Option {
	return func(s *TransactionService) { s.decider = d }
}

// WithReadCache serves reads of settled transactions from c
func WithReadCache(c ReadCache) Option {
	return func(s *TransactionService) { s.cache = c }
}

// NewTransactionService creates a new transaction service
func NewTransactionService(repo repository.TransactionRepository, log logger.Logger, opts ...Option) *TransactionService {
	if log == nil {
		log = logger.GetDefaultLogger()
	}

	s := &TransactionService{
		repo:    repo,
		logger:  log,
		clock:   entity.SystemClock,
		newID:   uuid.NewString,
		decider: RandomDecider(DefaultSuccessRate, nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTransaction validates the input and stores a new PENDING transaction.
// A repeated idempotency key returns the original transaction with Created=false.
func (s *TransactionService) CreateTransaction(ctx context.Context, in entity.CreateInput) (repository.CreateResult, error) {
	correlationID := middleware.GetCorrelationID(ctx)

	if err := entity.Validate(in); err != nil {
		s.logger.Warn("Transaction validation failed", map[string]interface{}{
			"correlation_id": correlationID,
			"error":          err.Error(),
		})
		return repository.CreateResult{}, err
	}

	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	tx := entity.NewTransaction(in, s.newID(), s.clock())

	res, err := s.repo.Create(ctx, tx, in.IdempotencyKey)
	if err != nil {
		s.logger.Error("Failed to create transaction", map[string]interface{}{
			"correlation_id":  correlationID,
			"idempotency_key": in.IdempotencyKey,
			"error":           err.Error(),
		})
		return repository.CreateResult{}, err
	}

	s.logger.Info("Transaction stored", map[string]interface{}{
		"correlation_id": correlationID,
		"id":             res.Transaction.ID,
		"created":        res.Created,
	})
	return res, nil
}

// GetTransaction retrieves a transaction by ID
func (s *TransactionService) GetTransaction(ctx context.Context, id string) (*entity.Transaction, error) {
	if s.cache != nil {
		if tx := s.cache.Get(id); tx != nil {
			return tx, nil
		}
	}

	tx, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Put(tx)
	}
	return tx, nil
}

// ProcessTransaction applies one processing attempt to the transaction.
// Only the caller that moves it from PENDING to PROCESSING settles it; any
// other caller, including a redelivery, gets Processed=false.
func (s *TransactionService) ProcessTransaction(ctx context.Context, id string, decide OutcomeDecider) (ProcessResult, error) {
	if decide == nil {
		decide = s.decider
	}
	log := s.logger.WithFields(map[string]interface{}{
		"correlation_id": middleware.GetCorrelationID(ctx),
		"id":             id,
	})

	started, err := s.transition(ctx, id, entity.StatusPending, entity.StatusProcessing, "", true)
	if errors.Is(err, repository.ErrTransactionNotFound) {
		log.Warn("Processing requested for unknown transaction", nil)
		return ProcessResult{Processed: false}, nil
	}
	if err != nil {
		return ProcessResult{}, fmt.Errorf("failed to start processing: %w", err)
	}
	if started == repository.TransitionRaceLost {
		log.Info("Transaction not pending, skipping", nil)
		return ProcessResult{Processed: false}, nil
	}

	outcome := decide()
	if outcome.Status == entity.StatusFailed && outcome.ErrorReason == "" {
		outcome.ErrorReason = ReasonProcessingError
	}
	if outcome.Status != entity.StatusFailed {
		outcome.ErrorReason = ""
	}

	finished, err := s.transition(ctx, id, entity.StatusProcessing, outcome.Status, outcome.ErrorReason, false)
	if err != nil {
		log.Error("Failed to settle transaction", map[string]interface{}{"error": err.Error()})
		return ProcessResult{}, fmt.Errorf("%w: %s: %w", ErrStuckProcessing, id, err)
	}
	if finished == repository.TransitionRaceLost {
		log.Error("Transaction left processing concurrently", nil)
		return ProcessResult{}, fmt.Errorf("%w: %w: %s", ErrStuckProcessing, ErrSettledConcurrently, id)
	}

	log.Info("Transaction processed", map[string]interface{}{
		"status":       outcome.Status,
		"error_reason": outcome.ErrorReason,
	})
	return ProcessResult{Processed: true, Status: outcome.Status}, nil
}

// ReconcileStuck fails every transaction that has been in PROCESSING for
// longer than olderThan. Transactions that move on concurrently are skipped.
func (s *TransactionService) ReconcileStuck(ctx context.Context, olderThan time.Duration) (ReconcileReport, error) {
	var report ReconcileReport

	stuck, err := s.repo.ListByStatus(ctx, entity.StatusProcessing)
	if err != nil {
		return report, err
	}

	cutoff := s.clock().Add(-olderThan)
	for _, tx := range stuck {
		report.Examined++
		if tx.UpdatedAt.After(cutoff) {
			report.Skipped++
			continue
		}

		res, err := s.transition(ctx, tx.ID, entity.StatusProcessing, entity.StatusFailed, ReasonProcessingTimeout, false)
		if err != nil {
			return report, fmt.Errorf("failed to reconcile %s: %w", tx.ID, err)
		}
		if res == repository.TransitionRaceLost {
			report.Skipped++
			continue
		}

		report.Failed++
		s.logger.Warn("Stuck transaction failed by reconciliation", map[string]interface{}{
			"id":                  tx.ID,
			"processing_attempts": tx.ProcessingAttempts,
			"stuck_since":         tx.UpdatedAt.Format(time.RFC3339),
		})
	}

	return report, nil
}

// transition requests one lifecycle edge from the repository. Illegal edges
// are rejected before the store is touched.
func (s *TransactionService) transition(ctx context.Context, id string, from, to entity.Status, reason string, incrementAttempts bool) (repository.TransitionResult, error) {
	if !entity.CanTransition(from, to) {
		return 0, fmt.Errorf("%w: %s -> %s", ErrInvalidOutcome, from, to)
	}

	return s.repo.UpdateStatus(ctx, repository.StatusUpdate{
		ID:                id,
		From:              from,
		To:                to,
		UpdatedAt:         s.clock(),
		ErrorReason:       reason,
		IncrementAttempts: incrementAttempts,
	})
}
