package state

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Staking is the bonded-stake collaborator consulted for liquidator
// eligibility.
type Staking interface {
	StakeOf(addr common.Address) int64
}

// StakeTable mirrors stake balances reported by the staking contract.
type StakeTable struct {
	mu     sync.RWMutex
	stakes map[common.Address]int64
}

func NewStakeTable() *StakeTable {
	return &StakeTable{
		stakes: make(map[common.Address]int64),
	}
}

func (t *StakeTable) StakeOf(addr common.Address) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stakes[addr]
}

// Set records the bonded amount of addr; zero removes it.
func (t *StakeTable) Set(addr common.Address, amount int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if amount <= 0 {
		delete(t.stakes, addr)
		return
	}
	t.stakes[addr] = amount
}

func (t *StakeTable) Snapshot() map[common.Address]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[common.Address]int64, len(t.stakes))
	for k, v := range t.stakes {
		out[k] = v
	}
	return out
}

func (t *StakeTable) Restore(stakes map[common.Address]int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stakes = make(map[common.Address]int64, len(stakes))
	for k, v := range stakes {
		if v > 0 {
			t.stakes[k] = v
		}
	}
}
