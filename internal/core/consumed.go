package core

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
)

// OrderStore is the durable record of settled order hashes.
type OrderStore interface {
	IsConsumed(hash common.Hash) (bool, error)
}

// ConsumedOrders is the set of order hashes that have been settled. Recent
// hashes live in an LRU; older ones are looked up in the store. Without a
// store every hash is kept in memory.
type ConsumedOrders struct {
	mu     sync.RWMutex
	recent *lru.Cache[common.Hash, struct{}]
	all    map[common.Hash]struct{}
	store  OrderStore
}

func NewConsumedOrders(capacity int, store OrderStore) *ConsumedOrders {
	if capacity <= 0 {
		capacity = 1
	}
	cache, err := lru.New[common.Hash, struct{}](capacity)
	if err != nil {
		panic(fmt.Sprintf("FATAL: consumed order cache: %v", err))
	}
	c := &ConsumedOrders{recent: cache, store: store}
	if store == nil {
		c.all = make(map[common.Hash]struct{})
	}
	return c
}

func (c *ConsumedOrders) IsConsumed(hash common.Hash) (bool, error) {
	if c.recent.Contains(hash) {
		return true, nil
	}

	c.mu.RLock()
	all := c.all
	if all != nil {
		_, ok := all[hash]
		c.mu.RUnlock()
		return ok, nil
	}
	c.mu.RUnlock()

	ok, err := c.store.IsConsumed(hash)
	if err != nil {
		return false, err
	}
	if ok {
		c.recent.Add(hash, struct{}{})
	}
	return ok, nil
}

// Consume marks hashes as settled.
func (c *ConsumedOrders) Consume(hashes ...common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range hashes {
		c.recent.Add(h, struct{}{})
		if c.all != nil {
			c.all[h] = struct{}{}
		}
	}
}

// Hashes returns the in-memory hashes, for snapshots.
func (c *ConsumedOrders) Hashes() []common.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.all == nil {
		return c.recent.Keys()
	}
	out := make([]common.Hash, 0, len(c.all))
	for h := range c.all {
		out = append(out, h)
	}
	return out
}

// Restore loads hashes from a snapshot.
func (c *ConsumedOrders) Restore(hashes []common.Hash) {
	c.Consume(hashes...)
}
