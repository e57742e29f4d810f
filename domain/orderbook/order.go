package orderbook

import (
	"encoding/binary"

	"tidebook/domain/market"
	"tidebook/infra/critbit"
)

// MaxOrders is the default node and record budget per book side.
const MaxOrders = 500

// OrderSize is the byte size of one order record.
const OrderSize = 16

// Order is the per-order record stored next to the trie. Price and
// owner live in the trie leaf; the record only carries what changes
// as the order fills.
type Order struct {
	Amount uint64
	Expiry int64 // unix seconds, zero means never
}

func decodeOrder(b []byte) Order {
	return Order{
		Amount: binary.BigEndian.Uint64(b[0:8]),
		Expiry: int64(binary.BigEndian.Uint64(b[8:16])),
	}
}

func encodeOrder(b []byte, o Order) {
	binary.BigEndian.PutUint64(b[0:8], o.Amount)
	binary.BigEndian.PutUint64(b[8:16], uint64(o.Expiry))
}

// NewKey mints a trie key for a fresh order: price in the high 64
// bits, a sequence number in the low. Bid sequences are bit-inverted
// so that among equal prices the earliest bid carries the largest key
// and wins the max scan, while the earliest ask keeps the smallest.
func NewKey(st *market.State, side market.Side, price uint64) critbit.Key {
	seq := st.OrderCounter
	st.OrderCounter++
	lo := seq
	if side == market.Bid {
		lo = ^seq
	}
	return critbit.Key{Hi: price, Lo: lo}
}

// KeyPrice extracts the price from an order key.
func KeyPrice(k critbit.Key) uint64 { return k.Hi }
