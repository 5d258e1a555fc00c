package cache

import (
	"sync"
	"time"

	"github.com/damon-houk/transaction-pipeline/internal/domain/entity"
)

// DefaultExpiration is how long a settled transaction stays cached
const DefaultExpiration = 10 * time.Minute

// CacheEntry represents a cached transaction with the time it was stored
type CacheEntry struct {
	Transaction entity.Transaction
	Timestamp   time.Time
}

// TransactionCache is a thread-safe in-memory cache of settled transactions.
// Only COMPLETED and FAILED transactions are accepted; they never change again,
// so a hit is always current.
type TransactionCache struct {
	cache      map[string]CacheEntry
	expiration time.Duration
	clock      entity.Clock
	mutex      sync.RWMutex
}

// NewTransactionCache creates a new transaction cache
func NewTransactionCache(clock entity.Clock) *TransactionCache {
	if clock == nil {
		clock = entity.SystemClock
	}
	return &TransactionCache{
		cache:      make(map[string]CacheEntry),
		expiration: DefaultExpiration,
		clock:      clock,
	}
}

// Get returns a copy of the cached transaction, or nil if it is absent or expired
func (c *TransactionCache) Get(id string) *entity.Transaction {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.cache[id]
	if !exists || c.clock().Sub(entry.Timestamp) > c.expiration {
		return nil
	}

	tx := entry.Transaction
	return &tx
}

// Put stores a copy of tx if it is settled and reports whether it did
func (c *TransactionCache) Put(tx *entity.Transaction) bool {
	if tx == nil || !tx.Status.IsTerminal() {
		return false
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.cache[tx.ID] = CacheEntry{
		Transaction: *tx,
		Timestamp:   c.clock(),
	}
	return true
}

// SetExpiration sets the cache expiration duration
func (c *TransactionCache) SetExpiration(duration time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.expiration = duration
}

// Size returns the number of items in the cache
func (c *TransactionCache) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return len(c.cache)
}

// CleanExpired removes expired entries from the cache
func (c *TransactionCache) CleanExpired() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	count := 0
	now := c.clock()

	for id, entry := range c.cache {
		if now.Sub(entry.Timestamp) > c.expiration {
			delete(c.cache, id)
			count++
		}
	}

	return count
}
