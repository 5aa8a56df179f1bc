package core

import (
	"MarginLedger/internal/event"
	"crypto/sha256"
	"encoding/binary"
)

// genesisSeed roots the chain; an empty log has its hash as the tip.
const genesisSeed = "MarginLedger:genesis:v1"

// hashChain links every committed output to the one before it:
//
//	hash[N] = SHA-256(hash[N-1] || N || type || digest[N])
//
// with N and type as 8 and 4 byte little-endian integers.
type hashChain struct {
	tip [32]byte
}

func newHashChain() *hashChain {
	return &hashChain{tip: sha256.Sum256([]byte(genesisSeed))}
}

// Link appends one output and returns the previous and the new tip.
func (h *hashChain) Link(sequence int64, et event.EventType, digest []byte) (prev, next [32]byte) {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(sequence))
	binary.LittleEndian.PutUint32(header[8:], uint32(et))

	sum := sha256.New()
	sum.Write(h.tip[:])
	sum.Write(header[:])
	sum.Write(digest)

	prev = h.tip
	copy(next[:], sum.Sum(nil))
	h.tip = next
	return prev, next
}

func (h *hashChain) Tip() [32]byte { return h.tip }

// Resume continues the chain from a snapshot's tip.
func (h *hashChain) Resume(tip [32]byte) { h.tip = tip }
