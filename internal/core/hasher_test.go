package core

import (
	"MarginLedger/internal/event"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashChain_LinksAndResumes(t *testing.T) {
	a := newHashChain()
	assert.Equal(t, sha256.Sum256([]byte(genesisSeed)), a.Tip())

	prev1, h1 := a.Link(1, event.EventTypeDepositConfirmed, []byte("d1"))
	prev2, h2 := a.Link(2, event.EventTypeWithdrawalRequested, []byte("d2"))
	assert.Equal(t, sha256.Sum256([]byte(genesisSeed)), prev1)
	assert.Equal(t, h1, prev2)
	assert.Equal(t, h2, a.Tip())

	b := newHashChain()
	b.Resume(h1)
	_, again := b.Link(2, event.EventTypeWithdrawalRequested, []byte("d2"))
	assert.Equal(t, h2, again)
}

func TestHashChain_TypeIsBound(t *testing.T) {
	_, deposit := newHashChain().Link(1, event.EventTypeDepositConfirmed, []byte("x"))
	_, withdrawal := newHashChain().Link(1, event.EventTypeWithdrawalRequested, []byte("x"))
	assert.NotEqual(t, deposit, withdrawal)
}
