package order

import (
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Side of an order
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide is the inverse of String.
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy", "BUY":
		return SideBuy, nil
	case "sell", "SELL":
		return SideSell, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

// Order is a signed trading instruction. Amount is in base units, Price in
// quote units per base unit, both fixed-point.
type Order struct {
	Sender     common.Address
	Matcher    common.Address
	BaseAsset  ledger.Asset
	QuoteAsset ledger.Asset
	Side       Side
	Amount     int64
	Price      int64
	MatcherFee int64 // Quote units, charged pro-rata to the fill
	Nonce      uint64
	Expiration int64 // Unix milliseconds
	UseMargin  bool
	Signature  hexutil.Bytes
}

// Trade is a matched buy/sell pair ready for settlement.
type Trade struct {
	Buy        *Order
	Sell       *Order
	FillAmount int64
	FillPrice  int64
}

var errNoSignature = errors.New("missing signature")

// Sign computes the order hash under domain and stores the signature with
// V in {27, 28}.
func (o *Order) Sign(key *ecdsa.PrivateKey, domain Domain) error {
	h := o.Hash(domain)
	sig, err := crypto.Sign(h.Bytes(), key)
	if err != nil {
		return err
	}
	sig[crypto.RecoveryIDOffset] += 27
	o.Signature = sig
	return nil
}

// Signer recovers the address that signed the order.
func (o *Order) Signer(domain Domain) (common.Address, error) {
	if len(o.Signature) == 0 {
		return common.Address{}, errNoSignature
	}
	if len(o.Signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d", len(o.Signature))
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, o.Signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[crypto.RecoveryIDOffset], r, s, true) {
		return common.Address{}, errors.New("signature values out of range")
	}

	h := o.Hash(domain)
	pub, err := crypto.SigToPub(h.Bytes(), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// FeeFor returns the part of MatcherFee owed for fill base units.
func (o *Order) FeeFor(fill int64) int64 {
	if o.MatcherFee <= 0 || o.Amount <= 0 {
		return 0
	}
	return fpmath.MulDiv(o.MatcherFee, fill, o.Amount, fpmath.RoundDown)
}
