// Package tradelog keeps a fixed-capacity circular log of fills in
// its own arena buffer. Old entries are overwritten once the log
// wraps; the monotonic trade counter never resets.
package tradelog

import (
	"encoding/binary"

	"tidebook/domain/market"
	"tidebook/infra/slab"
)

// MaxTrades is the default entry capacity.
const MaxTrades = 100

// EntrySize is the byte size of one log entry.
const EntrySize = 128

// headerSize covers the trade counter and the entry capacity.
const headerSize = 16

const logType uint16 = 0

// Kind classifies how a fill consumed the resting order.
type Kind uint8

const (
	// MatchExact: the resting order matched the remaining quantity
	// exactly.
	MatchExact Kind = 1
	// MatchEntire: the resting order was consumed whole and the
	// incoming order kept matching.
	MatchEntire Kind = 2
	// MatchPartial: the incoming order finished against a larger
	// resting order.
	MatchPartial Kind = 3
)

// Entry is one fill record.
type Entry struct {
	Kind         Kind
	TakerSide    market.Side
	MakerFilled  bool
	ActionID     uint64
	TradeID      uint64
	MakerOrderID market.OrderID
	Maker        market.AccountID
	Taker        market.AccountID
	Amount       uint64
	Price        uint64
	Ts           int64
}

// Log is a view over an attached trade log buffer.
type Log struct {
	arena *slab.Arena
}

func logSpec(maxTrades int) slab.RegionSpec {
	return slab.RegionSpec{
		HeaderSize:  headerSize,
		HeaderAlign: 8,
		ItemSize:    EntrySize,
		Count:       maxTrades,
	}
}

// BufferSize returns the byte length a log buffer needs.
func BufferSize(maxTrades int) int {
	return slab.BufferSize(logSpec(maxTrades))
}

// Create formats a buffer as an empty log.
func Create(buf []byte, maxTrades int) (*Log, error) {
	a, err := slab.Format(buf)
	if err != nil {
		return nil, err
	}
	s := logSpec(maxTrades)
	if err := a.Allocate(logType, s.HeaderSize, s.HeaderAlign, s.ItemSize, s.Count); err != nil {
		return nil, err
	}
	h := a.Header(logType)
	binary.BigEndian.PutUint64(h[8:16], uint64(maxTrades))
	return &Log{arena: a}, nil
}

// Attach wraps an existing log buffer.
func Attach(buf []byte) (*Log, error) {
	a, err := slab.Attach(buf)
	if err != nil {
		return nil, err
	}
	return &Log{arena: a}, nil
}

// Bytes returns the underlying buffer.
func (l *Log) Bytes() []byte { return l.arena.Bytes() }

// Count returns the total trades ever logged.
func (l *Log) Count() uint64 {
	return binary.BigEndian.Uint64(l.arena.Header(logType)[0:8])
}

func (l *Log) entryMax() uint64 {
	return binary.BigEndian.Uint64(l.arena.Header(logType)[8:16])
}

// Append writes a fill into the next circular slot and returns its
// trade id, which also lands in the stored entry.
func (l *Log) Append(e Entry) (uint64, error) {
	h := l.arena.Header(logType)
	count := binary.BigEndian.Uint64(h[0:8])
	max := binary.BigEndian.Uint64(h[8:16])
	slot := count % max
	next, err := market.SafeAdd(count, 1)
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint64(h[0:8], next)
	e.TradeID = next
	encodeEntry(l.arena.Item(logType, int(slot)), e)
	return next, nil
}

// At reads the entry for a trade id. Entries older than the capacity
// window have been overwritten; the caller checks Count first.
func (l *Log) At(tradeID uint64) Entry {
	slot := (tradeID - 1) % l.entryMax()
	return decodeEntry(l.arena.Item(logType, int(slot)))
}

func encodeEntry(b []byte, e Entry) {
	b[0] = byte(e.Kind)
	b[1] = byte(e.TakerSide)
	b[2] = 0
	if e.MakerFilled {
		b[2] = 1
	}
	for i := 3; i < 8; i++ {
		b[i] = 0
	}
	binary.BigEndian.PutUint64(b[8:16], e.ActionID)
	binary.BigEndian.PutUint64(b[16:24], e.TradeID)
	binary.BigEndian.PutUint64(b[24:32], e.MakerOrderID.Hi)
	binary.BigEndian.PutUint64(b[32:40], e.MakerOrderID.Lo)
	copy(b[40:72], e.Maker[:])
	copy(b[72:104], e.Taker[:])
	binary.BigEndian.PutUint64(b[104:112], e.Amount)
	binary.BigEndian.PutUint64(b[112:120], e.Price)
	binary.BigEndian.PutUint64(b[120:128], uint64(e.Ts))
}

func decodeEntry(b []byte) Entry {
	var e Entry
	e.Kind = Kind(b[0])
	e.TakerSide = market.Side(b[1])
	e.MakerFilled = b[2] == 1
	e.ActionID = binary.BigEndian.Uint64(b[8:16])
	e.TradeID = binary.BigEndian.Uint64(b[16:24])
	e.MakerOrderID.Hi = binary.BigEndian.Uint64(b[24:32])
	e.MakerOrderID.Lo = binary.BigEndian.Uint64(b[32:40])
	copy(e.Maker[:], b[40:72])
	copy(e.Taker[:], b[72:104])
	e.Amount = binary.BigEndian.Uint64(b[104:112])
	e.Price = binary.BigEndian.Uint64(b[112:120])
	e.Ts = int64(binary.BigEndian.Uint64(b[120:128]))
	return e
}
