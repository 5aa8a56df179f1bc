package state

import (
	"MarginLedger/internal/ledger"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidOracleSignature = errors.New("invalid oracle signature")

// SignedPrice is a price observation as published by the oracle signer.
type SignedPrice struct {
	Asset      ledger.Asset
	Price      int64
	Sequence   int64
	ObservedAt time.Time
	Signature  []byte // 65-byte [R || S || V]
}

// Digest is the keccak256 hash the oracle signs.
func (sp SignedPrice) Digest() common.Hash {
	var num [24]byte
	binary.BigEndian.PutUint64(num[0:8], uint64(sp.Price))
	binary.BigEndian.PutUint64(num[8:16], uint64(sp.Sequence))
	binary.BigEndian.PutUint64(num[16:24], uint64(sp.ObservedAt.Unix()))
	return crypto.Keccak256Hash([]byte("MarginLedger:price"), []byte(sp.Asset), num[:])
}

// OracleCache is an in-process Oracle fed by signed price updates. With a
// zero signer address signatures are not checked.
type OracleCache struct {
	mu     sync.RWMutex
	signer common.Address
	prices map[ledger.Asset]PricePoint
}

func NewOracleCache(signer common.Address) *OracleCache {
	return &OracleCache{
		signer: signer,
		prices: make(map[ledger.Asset]PricePoint),
	}
}

// Verify checks that sp was signed by the oracle signer.
func (c *OracleCache) Verify(sp SignedPrice) error {
	if c.signer == (common.Address{}) {
		return nil
	}
	if len(sp.Signature) != crypto.SignatureLength {
		return fmt.Errorf("signature length %d: %w", len(sp.Signature), ErrInvalidOracleSignature)
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, sp.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	digest := sp.Digest()
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidOracleSignature)
	}
	if crypto.PubkeyToAddress(*pub) != c.signer {
		return ErrInvalidOracleSignature
	}
	return nil
}

// Apply stores sp if it is newer than the cached point. It returns false
// when sp was older and ignored.
func (c *OracleCache) Apply(sp SignedPrice) (bool, error) {
	if err := c.Verify(sp); err != nil {
		return false, err
	}
	if sp.Price <= 0 {
		return false, fmt.Errorf("%s: non-positive price %d", sp.Asset, sp.Price)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.prices[sp.Asset]; ok && sp.ObservedAt.Before(cur.ObservedAt) {
		return false, nil
	}
	c.prices[sp.Asset] = PricePoint{Asset: sp.Asset, Price: sp.Price, ObservedAt: sp.ObservedAt}
	return true, nil
}

func (c *OracleCache) CurrentPrice(asset ledger.Asset) (int64, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.prices[asset]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("%s: %w", asset, ErrNoPriceAvailable)
	}
	return p.Price, p.ObservedAt, nil
}

// Snapshot returns a copy of all cached points.
func (c *OracleCache) Snapshot() []PricePoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]PricePoint, 0, len(c.prices))
	for _, p := range c.prices {
		out = append(out, p)
	}
	return out
}

// Restore replaces the cache; used only during startup recovery.
func (c *OracleCache) Restore(points []PricePoint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prices = make(map[ledger.Asset]PricePoint, len(points))
	for _, p := range points {
		c.prices[p.Asset] = p
	}
}

// SignPrice signs sp with key. Used by oracle tooling and tests.
func SignPrice(sp *SignedPrice, key *ecdsa.PrivateKey) error {
	sig, err := crypto.Sign(sp.Digest().Bytes(), key)
	if err != nil {
		return err
	}
	sp.Signature = sig
	return nil
}
