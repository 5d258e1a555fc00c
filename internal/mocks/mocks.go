// internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/damon-houk/transaction-pipeline/internal/domain/entity"
	"github.com/damon-houk/transaction-pipeline/internal/domain/repository"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/queue"
	"github.com/stretchr/testify/mock"
)

// MockKVStore mocks the KVStore interface
type MockKVStore struct {
	mock.Mock
}

func (m *MockKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockKVStore) PutIfAbsent(ctx context.Context, key string, value []byte) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func (m *MockKVStore) PutAllIfAbsent(ctx context.Context, items []repository.KVItem) error {
	args := m.Called(ctx, items)
	return args.Error(0)
}

func (m *MockKVStore) UpdateIf(ctx context.Context, key string, fn repository.UpdateFunc) error {
	args := m.Called(ctx, key, fn)
	return args.Error(0)
}

func (m *MockKVStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	args := m.Called(ctx, prefix, fn)
	return args.Error(0)
}

// MockTransactionRepository mocks the TransactionRepository interface
type MockTransactionRepository struct {
	mock.Mock
}

func (m *MockTransactionRepository) Create(ctx context.Context, tx *entity.Transaction, idempotencyKey string) (repository.CreateResult, error) {
	args := m.Called(ctx, tx, idempotencyKey)
	return args.Get(0).(repository.CreateResult), args.Error(1)
}

func (m *MockTransactionRepository) FindByID(ctx context.Context, id string) (*entity.Transaction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Transaction), args.Error(1)
}

func (m *MockTransactionRepository) FindIdempotencyRecord(ctx context.Context, key string) (*entity.IdempotencyRecord, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.IdempotencyRecord), args.Error(1)
}

func (m *MockTransactionRepository) UpdateStatus(ctx context.Context, upd repository.StatusUpdate) (repository.TransitionResult, error) {
	args := m.Called(ctx, upd)
	return args.Get(0).(repository.TransitionResult), args.Error(1)
}

func (m *MockTransactionRepository) ListByStatus(ctx context.Context, status entity.Status) ([]*entity.Transaction, error) {
	args := m.Called(ctx, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entity.Transaction), args.Error(1)
}

// MockPublisher mocks the queue publisher used by the HTTP edge
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, msg queue.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// MockClock returns a fixed time that tests can advance
type MockClock struct {
	Current time.Time
}

// Now returns the current mocked time
func (c *MockClock) Now() time.Time {
	return c.Current
}

// Advance moves the mocked time forward
func (c *MockClock) Advance(d time.Duration) {
	c.Current = c.Current.Add(d)
}
