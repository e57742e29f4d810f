// Package market holds the shared vocabulary of the matching engine:
// identities, market configuration, mutable market state, results and
// the error taxonomy.
package market

import "encoding/hex"

// AccountID identifies an owner or a storage buffer.
type AccountID [32]byte

func (id AccountID) IsZero() bool { return id == AccountID{} }

func (id AccountID) String() string {
	return hex.EncodeToString(id[:8])
}

// Side of the book an order rests on.
type Side uint8

const (
	Bid Side = 0
	Ask Side = 1
)

func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// Market is the static configuration of one trading pair. Quantities
// are denominated in market tokens, prices in pricing tokens per
// DecimalFactor of market tokens.
type Market struct {
	ID           AccountID
	Active       bool
	ExpireEnable bool
	ExpireMin    int64 // shortest allowed expiry, seconds
	MinQuantity  uint64
	TakerFee     uint32 // rate against a 1e7 basis
	MktDecimals  uint8

	// Backing buffers.
	Orders   AccountID
	TradeLog AccountID
	Settle0  AccountID // first settlement segment, head of the chain
}

// DecimalFactor is the quantity that corresponds to one whole market
// token at the configured decimals.
func (m *Market) DecimalFactor() uint64 {
	f := uint64(1)
	for i := uint8(0); i < m.MktDecimals; i++ {
		f *= 10
	}
	return f
}

// State is the mutable side of a market. Every balance is tracked
// twice: vault balances count tokens held, order and log balances
// count what the book and the settlement chain owe back.
type State struct {
	SettleA     AccountID // active settlement segment
	SettleB     AccountID // next settlement segment
	LogRollover bool      // a fresh segment is needed

	ActionCounter uint64
	TradeCounter  uint64
	OrderCounter  uint64

	ActiveBid uint64
	ActiveAsk uint64

	MktVaultBalance uint64
	MktOrderBalance uint64
	MktLogBalance   uint64

	PrcVaultBalance uint64
	PrcOrderBalance uint64
	PrcLogBalance   uint64
	PrcFeesBalance  uint64

	LastPrice uint64
	LastTs    int64
}

// TradeResult reports what one order invocation did.
type TradeResult struct {
	TokensReceived uint64
	TokensSent     uint64
	TokensFee      uint64
	PostedQuantity uint64
	OrderID        OrderID
}

// OrderID is the 128-bit trie key of a posted order.
type OrderID struct {
	Hi, Lo uint64
}

func (o OrderID) IsZero() bool { return o.Hi == 0 && o.Lo == 0 }

// WithdrawResult reports the balances released by a settlement
// withdrawal.
type WithdrawResult struct {
	MktTokens uint64
	PrcTokens uint64
}
