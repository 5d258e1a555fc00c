package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/damon-houk/transaction-pipeline/internal/domain/repository"
	backend "github.com/redis/go-redis/v9"
)

// RedisStore implements repository.KVStore using Redis optimistic
// transactions (WATCH/MULTI/EXEC)
type RedisStore struct {
	client *backend.Client
	prefix string
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key written by the store
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a new Redis key-value store from an existing client
func NewRedisStore(client *backend.Client, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client: client,
		prefix: "txnpipe:",
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Get returns the value stored at key
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, backend.Nil) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return val, nil
}

// PutIfAbsent writes value at key only if the key does not exist
func (s *RedisStore) PutIfAbsent(ctx context.Context, key string, value []byte) error {
	ok, err := s.client.SetNX(ctx, s.key(key), value, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%s already exists: %w", key, repository.ErrPreconditionFailed)
	}
	return nil
}

// PutAllIfAbsent writes every item in one MULTI/EXEC, only if none of the keys exist
func (s *RedisStore) PutAllIfAbsent(ctx context.Context, items []repository.KVItem) error {
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = s.key(it.Key)
	}

	return s.watch(ctx, func(tx *backend.Tx) error {
		n, err := tx.Exists(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("failed to check keys: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%d of %d keys already exist: %w", n, len(keys), repository.ErrPreconditionFailed)
		}

		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			for i, it := range items {
				pipe.Set(ctx, keys[i], it.Value, 0)
			}
			return nil
		})
		return err
	}, keys...)
}

// UpdateIf replaces the value at key with the result of fn
func (s *RedisStore) UpdateIf(ctx context.Context, key string, fn repository.UpdateFunc) error {
	k := s.key(key)

	return s.watch(ctx, func(tx *backend.Tx) error {
		current, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, backend.Nil) {
			return repository.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", key, err)
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.Set(ctx, k, next, 0)
			return nil
		})
		return err
	}, k)
}

// Scan calls fn once for every key with the given prefix. SCAN may return a
// key more than once, so keys already seen are skipped.
func (s *RedisStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	seen := make(map[string]struct{})
	iter := s.client.Scan(ctx, 0, s.key(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		if _, dup := seen[full]; dup {
			continue
		}
		seen[full] = struct{}{}

		val, err := s.client.Get(ctx, full).Bytes()
		if errors.Is(err, backend.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", full, err)
		}
		if err := fn(full[len(s.prefix):], val); err != nil {
			return err
		}
	}
	return iter.Err()
}

// watch runs fn under WATCH on keys, re-running it when another client
// modified a watched key before EXEC
func (s *RedisStore) watch(ctx context.Context, fn func(tx *backend.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, backend.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("gave up after %d conflicting transactions: %w", maxConflictRetries, backend.TxFailedErr)
}
