// Package db provides the storage adapters and the transaction repository built on them.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/damon-houk/transaction-pipeline/internal/domain/entity"
	"github.com/damon-houk/transaction-pipeline/internal/domain/repository"
)

// TransactionRepository implements repository.TransactionRepository on any KVStore.
// It never assumes exclusive access: every write is conditioned on the state
// the caller expects, and a failed condition is a normal outcome.
type TransactionRepository struct {
	store repository.KVStore
}

// NewTransactionRepository creates a new transaction repository over store
func NewTransactionRepository(store repository.KVStore) *TransactionRepository {
	return &TransactionRepository{store: store}
}

// Create stores tx. Without an idempotency key it is a single conditional put.
// With a key, the idempotency record and the transaction are written atomically;
// if that write loses to an earlier one for the same key, the earlier
// transaction is returned with Created=false.
func (r *TransactionRepository) Create(ctx context.Context, tx *entity.Transaction, idempotencyKey string) (repository.CreateResult, error) {
	txData, err := json.Marshal(tx)
	if err != nil {
		return repository.CreateResult{}, fmt.Errorf("failed to marshal transaction: %w", err)
	}

	if idempotencyKey == "" {
		if err := r.store.PutIfAbsent(ctx, entity.TransactionKey(tx.ID), txData); err != nil {
			return repository.CreateResult{}, fmt.Errorf("failed to store transaction: %w", err)
		}
		return repository.CreateResult{Transaction: tx, Created: true}, nil
	}

	lockData, err := json.Marshal(entity.IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		TransactionID:  tx.ID,
		CreatedAt:      tx.CreatedAt,
	})
	if err != nil {
		return repository.CreateResult{}, fmt.Errorf("failed to marshal idempotency record: %w", err)
	}

	err = r.store.PutAllIfAbsent(ctx, []repository.KVItem{
		{Key: entity.IdempotencyKey(idempotencyKey), Value: lockData},
		{Key: entity.TransactionKey(tx.ID), Value: txData},
	})
	if err == nil {
		return repository.CreateResult{Transaction: tx, Created: true}, nil
	}
	if !errors.Is(err, repository.ErrPreconditionFailed) {
		return repository.CreateResult{}, fmt.Errorf("failed to store transaction: %w", err)
	}

	existing, err := r.resolveReplay(ctx, idempotencyKey, err)
	if err != nil {
		return repository.CreateResult{}, err
	}
	return repository.CreateResult{Transaction: existing, Created: false}, nil
}

// resolveReplay finds the transaction that won the idempotency key. An empty
// read on either record propagates the original write failure.
func (r *TransactionRepository) resolveReplay(ctx context.Context, key string, writeErr error) (*entity.Transaction, error) {
	lock, err := r.FindIdempotencyRecord(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: no record for key %s: %w", repository.ErrInconsistentState, key, writeErr)
	}
	if err != nil {
		return nil, err
	}

	existing, err := r.FindByID(ctx, lock.TransactionID)
	if errors.Is(err, repository.ErrTransactionNotFound) {
		return nil, fmt.Errorf("%w: key %s points at missing transaction %s: %w",
			repository.ErrInconsistentState, key, lock.TransactionID, writeErr)
	}
	if err != nil {
		return nil, err
	}
	return existing, nil
}

// FindByID retrieves a transaction by its unique identifier
func (r *TransactionRepository) FindByID(ctx context.Context, id string) (*entity.Transaction, error) {
	data, err := r.store.Get(ctx, entity.TransactionKey(id))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", repository.ErrTransactionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve transaction: %w", err)
	}

	return decodeTransaction(id, data)
}

// decodeTransaction parses a stored transaction record. A record with an
// unknown status is inconsistent.
func decodeTransaction(id string, data []byte) (*entity.Transaction, error) {
	var tx entity.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction %s: %w", id, err)
	}
	if !tx.Status.Valid() {
		return nil, fmt.Errorf("%w: transaction %s has unknown status %q",
			repository.ErrInconsistentState, id, tx.Status)
	}
	return &tx, nil
}

// FindIdempotencyRecord retrieves the record for an idempotency key
func (r *TransactionRepository) FindIdempotencyRecord(ctx context.Context, key string) (*entity.IdempotencyRecord, error) {
	data, err := r.store.Get(ctx, entity.IdempotencyKey(key))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve idempotency record: %w", err)
	}

	var rec entity.IdempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal idempotency record %s: %w", key, err)
	}
	return &rec, nil
}

// UpdateStatus moves a transaction from upd.From to upd.To if, and only if,
// it is still in upd.From. A transaction in any other status yields
// TransitionRaceLost; a missing transaction is ErrTransactionNotFound.
func (r *TransactionRepository) UpdateStatus(ctx context.Context, upd repository.StatusUpdate) (repository.TransitionResult, error) {
	err := r.store.UpdateIf(ctx, entity.TransactionKey(upd.ID), func(current []byte) ([]byte, error) {
		tx, err := decodeTransaction(upd.ID, current)
		if err != nil {
			return nil, err
		}

		if tx.Status != upd.From {
			return nil, repository.ErrPreconditionFailed
		}

		tx.Status = upd.To
		tx.UpdatedAt = upd.UpdatedAt
		if upd.ErrorReason != "" {
			tx.ErrorReason = upd.ErrorReason
		}
		if upd.IncrementAttempts {
			tx.ProcessingAttempts++
		}
		return json.Marshal(tx)
	})

	switch {
	case err == nil:
		return repository.TransitionApplied, nil
	case errors.Is(err, repository.ErrPreconditionFailed):
		return repository.TransitionRaceLost, nil
	case errors.Is(err, repository.ErrNotFound):
		return 0, fmt.Errorf("%w: %s", repository.ErrTransactionNotFound, upd.ID)
	default:
		return 0, fmt.Errorf("failed to update transaction status: %w", err)
	}
}

// ListByStatus returns every transaction currently in status
func (r *TransactionRepository) ListByStatus(ctx context.Context, status entity.Status) ([]*entity.Transaction, error) {
	var out []*entity.Transaction

	err := r.store.Scan(ctx, entity.TransactionKeyPrefix, func(key string, value []byte) error {
		tx, err := decodeTransaction(strings.TrimPrefix(key, entity.TransactionKeyPrefix), value)
		if err != nil {
			return err
		}
		if tx.Status == status {
			out = append(out, tx)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return out, nil
}
