package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/damon-houk/transaction-pipeline/internal/domain/entity"
	"github.com/damon-houk/transaction-pipeline/internal/domain/repository"
	"github.com/damon-houk/transaction-pipeline/internal/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func newTestTransaction(reference string) *entity.Transaction {
	return entity.NewTransaction(entity.CreateInput{
		Amount:    42,
		Currency:  "usd",
		Reference: reference,
	}, uuid.New().String(), testNow)
}

func countTransactions(t *testing.T, store repository.KVStore) int {
	t.Helper()
	n := 0
	require.NoError(t, store.Scan(context.Background(), entity.TransactionKeyPrefix, func(string, []byte) error {
		n++
		return nil
	}))
	return n
}

func TestTransactionRepository_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("Without idempotency key", func(t *testing.T) {
		store := newBadgerTestStore(t)
		repo := NewTransactionRepository(store)
		tx := newTestTransaction("INV-1")

		res, err := repo.Create(ctx, tx, "")
		require.NoError(t, err)
		assert.True(t, res.Created)
		assert.Equal(t, tx, res.Transaction)

		stored, err := repo.FindByID(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, tx.ID, stored.ID)
		assert.Equal(t, "USD", stored.Currency)
		assert.Equal(t, entity.StatusPending, stored.Status)
		assert.True(t, testNow.Equal(stored.CreatedAt))

		// a second keyless create is a new transaction
		res2, err := repo.Create(ctx, newTestTransaction("INV-1"), "")
		require.NoError(t, err)
		assert.True(t, res2.Created)
		assert.NotEqual(t, tx.ID, res2.Transaction.ID)
		assert.Equal(t, 2, countTransactions(t, store))
	})

	t.Run("Duplicate id without key", func(t *testing.T) {
		repo := NewTransactionRepository(newBadgerTestStore(t))
		tx := newTestTransaction("INV-1")

		_, err := repo.Create(ctx, tx, "")
		require.NoError(t, err)

		_, err = repo.Create(ctx, tx, "")
		assert.ErrorIs(t, err, repository.ErrPreconditionFailed)
	})

	t.Run("Replay with idempotency key", func(t *testing.T) {
		store := newBadgerTestStore(t)
		repo := NewTransactionRepository(store)

		first, err := repo.Create(ctx, newTestTransaction("INV-2"), "key-1")
		require.NoError(t, err)
		assert.True(t, first.Created)

		second, err := repo.Create(ctx, newTestTransaction("INV-2"), "key-1")
		require.NoError(t, err)
		assert.False(t, second.Created)
		assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
		assert.Equal(t, "key-1", second.Transaction.IdempotencyKey)
		assert.Equal(t, 1, countTransactions(t, store))

		rec, err := repo.FindIdempotencyRecord(ctx, "key-1")
		require.NoError(t, err)
		assert.Equal(t, first.Transaction.ID, rec.TransactionID)
	})

	t.Run("Concurrent creates with one key", func(t *testing.T) {
		for name, store := range map[string]repository.KVStore{
			"badger": newBadgerTestStore(t),
			"redis":  newRedisTestStore(t),
		} {
			t.Run(name, func(t *testing.T) {
				repo := NewTransactionRepository(store)
				const n = 16

				var wg sync.WaitGroup
				results := make([]repository.CreateResult, n)
				errs := make([]error, n)
				for i := 0; i < n; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						tx := newTestTransaction("INV-3")
						tx.IdempotencyKey = "shared"
						results[i], errs[i] = repo.Create(ctx, tx, "shared")
					}(i)
				}
				wg.Wait()

				created := 0
				for i := 0; i < n; i++ {
					require.NoError(t, errs[i])
					assert.Equal(t, results[0].Transaction.ID, results[i].Transaction.ID)
					if results[i].Created {
						created++
					}
				}
				assert.Equal(t, 1, created)
				assert.Equal(t, 1, countTransactions(t, store))
			})
		}
	})
}

func TestTransactionRepository_CreateFaults(t *testing.T) {
	ctx := context.Background()

	t.Run("Infra error propagates", func(t *testing.T) {
		store := new(mocks.MockKVStore)
		repo := NewTransactionRepository(store)
		boom := errors.New("store unavailable")

		store.On("PutAllIfAbsent", ctx, mock.Anything).Return(boom).Once()

		_, err := repo.Create(ctx, newTestTransaction("x"), "k")
		assert.ErrorIs(t, err, boom)
		store.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
		store.AssertExpectations(t)
	})

	t.Run("Lost race without idempotency record", func(t *testing.T) {
		store := new(mocks.MockKVStore)
		repo := NewTransactionRepository(store)

		store.On("PutAllIfAbsent", ctx, mock.Anything).Return(repository.ErrPreconditionFailed).Once()
		store.On("Get", ctx, entity.IdempotencyKey("k")).Return(nil, repository.ErrNotFound).Once()

		res, err := repo.Create(ctx, newTestTransaction("x"), "k")
		assert.ErrorIs(t, err, repository.ErrInconsistentState)
		assert.ErrorIs(t, err, repository.ErrPreconditionFailed)
		assert.Nil(t, res.Transaction)
		store.AssertExpectations(t)
	})

	t.Run("Idempotency record points at missing transaction", func(t *testing.T) {
		store := new(mocks.MockKVStore)
		repo := NewTransactionRepository(store)

		store.On("PutAllIfAbsent", ctx, mock.Anything).Return(repository.ErrPreconditionFailed).Once()
		store.On("Get", ctx, entity.IdempotencyKey("k")).
			Return([]byte(`{"idempotencyKey":"k","transactionId":"gone"}`), nil).Once()
		store.On("Get", ctx, entity.TransactionKey("gone")).Return(nil, repository.ErrNotFound).Once()

		_, err := repo.Create(ctx, newTestTransaction("x"), "k")
		assert.ErrorIs(t, err, repository.ErrInconsistentState)
		assert.ErrorIs(t, err, repository.ErrPreconditionFailed)
		store.AssertExpectations(t)
	})

	t.Run("Read fault while resolving replay", func(t *testing.T) {
		store := new(mocks.MockKVStore)
		repo := NewTransactionRepository(store)
		boom := errors.New("timeout")

		store.On("PutAllIfAbsent", ctx, mock.Anything).Return(repository.ErrPreconditionFailed).Once()
		store.On("Get", ctx, entity.IdempotencyKey("k")).Return(nil, boom).Once()

		_, err := repo.Create(ctx, newTestTransaction("x"), "k")
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, repository.ErrInconsistentState)
	})
}

func TestTransactionRepository_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	later := testNow.Add(time.Minute)

	t.Run("Applies and increments attempts", func(t *testing.T) {
		repo := NewTransactionRepository(newBadgerTestStore(t))
		tx := newTestTransaction("INV-4")
		_, err := repo.Create(ctx, tx, "")
		require.NoError(t, err)

		res, err := repo.UpdateStatus(ctx, repository.StatusUpdate{
			ID: tx.ID, From: entity.StatusPending, To: entity.StatusProcessing,
			UpdatedAt: later, IncrementAttempts: true,
		})
		require.NoError(t, err)
		assert.Equal(t, repository.TransitionApplied, res)

		res, err = repo.UpdateStatus(ctx, repository.StatusUpdate{
			ID: tx.ID, From: entity.StatusProcessing, To: entity.StatusFailed,
			UpdatedAt: later, ErrorReason: "DECLINED",
		})
		require.NoError(t, err)
		assert.Equal(t, repository.TransitionApplied, res)

		stored, err := repo.FindByID(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.StatusFailed, stored.Status)
		assert.Equal(t, "DECLINED", stored.ErrorReason)
		assert.Equal(t, 1, stored.ProcessingAttempts)
		assert.True(t, later.Equal(stored.UpdatedAt))
		assert.True(t, testNow.Equal(stored.CreatedAt))
		assert.Equal(t, tx.Reference, stored.Reference)
	})

	t.Run("Race lost when status moved on", func(t *testing.T) {
		repo := NewTransactionRepository(newBadgerTestStore(t))
		tx := newTestTransaction("INV-5")
		_, err := repo.Create(ctx, tx, "")
		require.NoError(t, err)

		res, err := repo.UpdateStatus(ctx, repository.StatusUpdate{
			ID: tx.ID, From: entity.StatusProcessing, To: entity.StatusCompleted, UpdatedAt: later,
		})
		require.NoError(t, err)
		assert.Equal(t, repository.TransitionRaceLost, res)

		stored, err := repo.FindByID(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.StatusPending, stored.Status)
		assert.True(t, testNow.Equal(stored.UpdatedAt))
	})

	t.Run("Missing transaction is a fault", func(t *testing.T) {
		repo := NewTransactionRepository(newBadgerTestStore(t))

		_, err := repo.UpdateStatus(ctx, repository.StatusUpdate{
			ID: "nope", From: entity.StatusPending, To: entity.StatusProcessing, UpdatedAt: later,
		})
		assert.ErrorIs(t, err, repository.ErrTransactionNotFound)
	})

	t.Run("Heavily contended transition has one winner", func(t *testing.T) {
		for name, store := range map[string]repository.KVStore{
			"badger": newBadgerTestStore(t),
			"redis":  newRedisTestStore(t),
		} {
			t.Run(name, func(t *testing.T) {
				repo := NewTransactionRepository(store)
				tx := newTestTransaction("INV-6")
				_, err := repo.Create(ctx, tx, "")
				require.NoError(t, err)

				// Each loser conflicts at most once before its retry sees the
				// new status, so heavy contention stays under maxConflictRetries
				const n = 50
				var wg sync.WaitGroup
				results := make(chan repository.TransitionResult, n)
				for i := 0; i < n; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						res, err := repo.UpdateStatus(ctx, repository.StatusUpdate{
							ID: tx.ID, From: entity.StatusPending, To: entity.StatusProcessing,
							UpdatedAt: later, IncrementAttempts: true,
						})
						assert.NoError(t, err)
						results <- res
					}()
				}
				wg.Wait()
				close(results)

				applied := 0
				for res := range results {
					if res == repository.TransitionApplied {
						applied++
					}
				}
				assert.Equal(t, 1, applied)

				stored, err := repo.FindByID(ctx, tx.ID)
				require.NoError(t, err)
				assert.Equal(t, 1, stored.ProcessingAttempts)
			})
		}
	})
}

func TestTransactionRepository_UnknownStatus(t *testing.T) {
	ctx := context.Background()
	store := newBadgerTestStore(t)
	repo := NewTransactionRepository(store)

	require.NoError(t, store.PutIfAbsent(ctx, entity.TransactionKey("bad"),
		[]byte(`{"id":"bad","amount":1,"currency":"USD","reference":"r","status":"SETTLING"}`)))

	_, err := repo.FindByID(ctx, "bad")
	assert.ErrorIs(t, err, repository.ErrInconsistentState)

	_, err = repo.UpdateStatus(ctx, repository.StatusUpdate{
		ID: "bad", From: entity.StatusPending, To: entity.StatusProcessing, UpdatedAt: testNow,
	})
	assert.ErrorIs(t, err, repository.ErrInconsistentState)

	_, err = repo.ListByStatus(ctx, entity.StatusProcessing)
	assert.ErrorIs(t, err, repository.ErrInconsistentState)
}

func TestTransactionRepository_ListByStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepository(newRedisTestStore(t))

	pending := newTestTransaction("a")
	processing := newTestTransaction("b")
	for _, tx := range []*entity.Transaction{pending, processing} {
		_, err := repo.Create(ctx, tx, "")
		require.NoError(t, err)
	}
	_, err := repo.UpdateStatus(ctx, repository.StatusUpdate{
		ID: processing.ID, From: entity.StatusPending, To: entity.StatusProcessing, UpdatedAt: testNow,
	})
	require.NoError(t, err)

	got, err := repo.ListByStatus(ctx, entity.StatusProcessing)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, processing.ID, got[0].ID)
}
