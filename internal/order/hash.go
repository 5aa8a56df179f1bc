package order

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// Domain separates signatures of one venue deployment from any other.
type Domain struct {
	Name    string
	Version string
	ChainID int64
}

var (
	domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId)"))
	orderTypeHash  = crypto.Keccak256Hash([]byte(
		"Order(address sender,address matcher,string baseAsset,string quoteAsset,uint8 side," +
			"int256 amount,int256 price,int256 matcherFee,uint64 nonce,int64 expiration,bool useMargin)"))
)

// Separator returns the domain separator hash.
func (d Domain) Separator() common.Hash {
	return crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		word(big.NewInt(d.ChainID)),
	)
}

// StructHash hashes the signed fields of the order.
func (o *Order) StructHash() common.Hash {
	useMargin := int64(0)
	if o.UseMargin {
		useMargin = 1
	}
	return crypto.Keccak256Hash(
		orderTypeHash.Bytes(),
		common.LeftPadBytes(o.Sender.Bytes(), 32),
		common.LeftPadBytes(o.Matcher.Bytes(), 32),
		crypto.Keccak256([]byte(o.BaseAsset)),
		crypto.Keccak256([]byte(o.QuoteAsset)),
		word(big.NewInt(int64(o.Side))),
		word(big.NewInt(o.Amount)),
		word(big.NewInt(o.Price)),
		word(big.NewInt(o.MatcherFee)),
		word(new(big.Int).SetUint64(o.Nonce)),
		word(big.NewInt(o.Expiration)),
		word(big.NewInt(useMargin)),
	)
}

// Hash is the digest the sender signs and the replay key of the order.
func (o *Order) Hash(domain Domain) common.Hash {
	sep := domain.Separator()
	sh := o.StructHash()
	return crypto.Keccak256Hash([]byte("\x19\x01"), sep.Bytes(), sh.Bytes())
}

// word encodes v as a 32-byte two's complement integer.
func word(v *big.Int) []byte {
	return math.U256Bytes(new(big.Int).Set(v))
}
