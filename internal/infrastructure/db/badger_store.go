package db

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/damon-houk/transaction-pipeline/internal/domain/repository"
	"github.com/dgraph-io/badger/v3"
)

// maxConflictRetries bounds how often an operation is re-run after a
// concurrent writer invalidated its reads
const maxConflictRetries = 10

// BadgerStore implements repository.KVStore on top of BadgerDB.
// Each operation runs in a single read-write transaction, so Badger's
// conflict detection provides the compare-and-swap guarantee.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a new BadgerDB key-value store
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// OpenBadger opens a BadgerDB at dir, or an in-memory instance when dir is empty
func OpenBadger(dir string) (*badger.DB, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = nil // Disable Badger's default logger

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Get returns the value stored at key
func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

// PutIfAbsent writes value at key only if the key does not exist
func (s *BadgerStore) PutIfAbsent(ctx context.Context, key string, value []byte) error {
	return s.PutAllIfAbsent(ctx, []repository.KVItem{{Key: key, Value: value}})
}

// PutAllIfAbsent writes every item in one transaction, only if none of the keys exist
func (s *BadgerStore) PutAllIfAbsent(ctx context.Context, items []repository.KVItem) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, it := range items {
			_, err := txn.Get([]byte(it.Key))
			if err == nil {
				return fmt.Errorf("%s already exists: %w", it.Key, repository.ErrPreconditionFailed)
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("failed to read %s: %w", it.Key, err)
			}
		}

		for _, it := range items {
			if err := txn.Set([]byte(it.Key), it.Value); err != nil {
				return fmt.Errorf("failed to write %s: %w", it.Key, err)
			}
		}
		return nil
	})
}

// UpdateIf replaces the value at key with the result of fn
func (s *BadgerStore) UpdateIf(ctx context.Context, key string, fn repository.UpdateFunc) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return repository.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", key, err)
		}

		current, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", key, err)
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), next)
	})
}

// Scan calls fn for every key with the given prefix
func (s *BadgerStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", item.Key(), err)
			}
			if err := fn(string(item.KeyCopy(nil)), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// update runs fn in a read-write transaction, re-running it when a concurrent
// commit conflicts with the keys it read
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("gave up after %d conflicting commits: %w", maxConflictRetries, badger.ErrConflict)
}
