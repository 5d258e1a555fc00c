// Package repository defines the storage contracts the transaction core is written against.
package repository

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by a KVStore read when the key is absent
	ErrNotFound = errors.New("key not found")

	// ErrPreconditionFailed is returned when a conditional write did not apply
	// because the current state did not match what the caller expected
	ErrPreconditionFailed = errors.New("precondition failed")
)

// KVItem is a single key/value pair written by a KVStore
type KVItem struct {
	Key   string
	Value []byte
}

// UpdateFunc receives the current value of a key and returns its replacement.
// Returning ErrPreconditionFailed (or an error wrapping it) aborts the update.
type UpdateFunc func(current []byte) ([]byte, error)

// KVStore is the key-value store adapter the core persists through. Every
// write is conditional and atomic; a failed condition is reported as
// ErrPreconditionFailed and never confused with an infrastructure error.
type KVStore interface {
	// Get returns the value stored at key, or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// PutIfAbsent writes value at key only if the key does not exist
	PutIfAbsent(ctx context.Context, key string, value []byte) error

	// PutAllIfAbsent writes every item only if none of the keys exist.
	// Either all items are written or none are.
	PutAllIfAbsent(ctx context.Context, items []KVItem) error

	// UpdateIf replaces the value at key with the result of fn, atomically
	// with respect to concurrent writers. ErrNotFound if the key is absent.
	UpdateIf(ctx context.Context, key string, fn UpdateFunc) error

	// Scan calls fn for every key with the given prefix
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
}
