package repository

import (
	"context"
	"errors"
	"time"

	"github.com/damon-houk/transaction-pipeline/internal/domain/entity"
)

var (
	// ErrTransactionNotFound is returned when no transaction exists for an id
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrInconsistentState is returned when a lost idempotent create cannot be
	// resolved to the transaction that won
	ErrInconsistentState = errors.New("inconsistent idempotency state")
)

// CreateResult is the canonical transaction for a create request and whether
// this call created it
type CreateResult struct {
	Transaction *entity.Transaction
	Created     bool
}

// TransitionResult distinguishes an applied status change from a lost race.
// Faults are reported through the error return.
type TransitionResult int

const (
	// TransitionApplied means the precondition held and the update was written
	TransitionApplied TransitionResult = iota + 1
	// TransitionRaceLost means the transaction was no longer in the expected status
	TransitionRaceLost
)

func (r TransitionResult) String() string {
	switch r {
	case TransitionApplied:
		return "applied"
	case TransitionRaceLost:
		return "race_lost"
	default:
		return "unknown"
	}
}

// StatusUpdate describes one conditional status change
type StatusUpdate struct {
	ID                string
	From              entity.Status
	To                entity.Status
	UpdatedAt         time.Time
	ErrorReason       string
	IncrementAttempts bool
}

// TransactionRepository defines the persistence rules for transactions
type TransactionRepository interface {
	// Create stores tx, enforcing at most one transaction per idempotency key
	Create(ctx context.Context, tx *entity.Transaction, idempotencyKey string) (CreateResult, error)

	// FindByID retrieves a transaction by its unique identifier
	FindByID(ctx context.Context, id string) (*entity.Transaction, error)

	// FindIdempotencyRecord retrieves the record for an idempotency key
	FindIdempotencyRecord(ctx context.Context, key string) (*entity.IdempotencyRecord, error)

	// UpdateStatus applies upd only if the transaction is currently in upd.From
	UpdateStatus(ctx context.Context, upd StatusUpdate) (TransitionResult, error)

	// ListByStatus returns every transaction currently in status
	ListByStatus(ctx context.Context, status entity.Status) ([]*entity.Transaction, error)
}
