// Package settle implements the capacity-bounded settlement ledger: a
// linked chain of segment buffers holding owed balances per owner.
// Two segments are live at a time, the active one and the next one
// credits overflow into.
package settle

import (
	"encoding/binary"
	"errors"

	"github.com/zeebo/blake3"

	"tidebook/domain/market"
	"tidebook/infra/critbit"
	"tidebook/infra/slab"
)

// MaxAccounts is the default owner capacity of one segment.
const MaxAccounts = 1500

// ErrSegmentNotEmpty rejects unlinking a segment that still holds
// entries.
var ErrSegmentNotEmpty = errors.New("settle: segment not empty")

// Region type ids within a segment's arena, which starts after the
// raw chain header.
const (
	accountMapType uint16 = 0
	accountsType   uint16 = 1
)

// headerSize is the raw chain header ahead of the arena: market, prev
// and next ids plus an item count.
const headerSize = 32 + 32 + 32 + 4

// entrySize is the byte size of one account entry record.
const entrySize = 24

// Header links a segment into the chain.
type Header struct {
	Market market.AccountID
	Prev   market.AccountID
	Next   market.AccountID
	Items  uint32
}

// Entry is an owner's owed balances.
type Entry struct {
	MktBalance uint64
	PrcBalance uint64
	TsUpdated  int64
}

// Segment is a view over one attached segment buffer.
type Segment struct {
	ID    market.AccountID
	buf   []byte
	arena *slab.Arena
}

func segmentSpecs(maxAccounts int) []slab.RegionSpec {
	return []slab.RegionSpec{
		{HeaderSize: critbit.HeaderSize, HeaderAlign: 8, ItemSize: critbit.NodeSize, Count: maxAccounts},
		{HeaderSize: slab.VecHeaderSize, HeaderAlign: 8, ItemSize: entrySize, Count: maxAccounts},
	}
}

// BufferSize returns the byte length a segment buffer needs.
func BufferSize(maxAccounts int) int {
	return headerSize + slab.BufferSize(segmentSpecs(maxAccounts)...)
}

// CreateSegment formats a buffer as an empty segment linked after
// prev.
func CreateSegment(id market.AccountID, buf []byte, mkt, prev market.AccountID, maxAccounts int) (*Segment, error) {
	a, err := slab.Format(buf[headerSize:])
	if err != nil {
		return nil, err
	}
	for typeID, spec := range segmentSpecs(maxAccounts) {
		if err := a.Allocate(uint16(typeID), spec.HeaderSize, spec.HeaderAlign, spec.ItemSize, spec.Count); err != nil {
			return nil, err
		}
	}
	s := &Segment{ID: id, buf: buf, arena: a}
	s.SetHeader(Header{Market: mkt, Prev: prev})
	return s, nil
}

// AttachSegment wraps an existing segment buffer.
func AttachSegment(id market.AccountID, buf []byte) (*Segment, error) {
	a, err := slab.Attach(buf[headerSize:])
	if err != nil {
		return nil, err
	}
	return &Segment{ID: id, buf: buf, arena: a}, nil
}

// Bytes returns the underlying buffer.
func (s *Segment) Bytes() []byte { return s.buf }

// Capacity returns the account entries this segment was sized for.
func (s *Segment) Capacity() int {
	return s.arena.Capacity(accountsType)
}

func (s *Segment) Header() Header {
	var h Header
	copy(h.Market[:], s.buf[0:32])
	copy(h.Prev[:], s.buf[32:64])
	copy(h.Next[:], s.buf[64:96])
	h.Items = binary.BigEndian.Uint32(s.buf[96:100])
	return h
}

func (s *Segment) SetHeader(h Header) {
	copy(s.buf[0:32], h.Market[:])
	copy(s.buf[32:64], h.Prev[:])
	copy(s.buf[64:96], h.Next[:])
	binary.BigEndian.PutUint32(s.buf[96:100], h.Items)
}

func (s *Segment) Items() uint32 {
	return binary.BigEndian.Uint32(s.buf[96:100])
}

func (s *Segment) setItems(n uint32) {
	binary.BigEndian.PutUint32(s.buf[96:100], n)
}

func (s *Segment) mapView() critbit.Map {
	return critbit.Map{Arena: s.arena, TypeID: accountMapType}
}

func (s *Segment) entry(slot uint32) Entry {
	b := s.arena.Item(accountsType, int(slot))
	return Entry{
		MktBalance: binary.BigEndian.Uint64(b[0:8]),
		PrcBalance: binary.BigEndian.Uint64(b[8:16]),
		TsUpdated:  int64(binary.BigEndian.Uint64(b[16:24])),
	}
}

func (s *Segment) setEntry(slot uint32, e Entry) {
	b := s.arena.Item(accountsType, int(slot))
	binary.BigEndian.PutUint64(b[0:8], e.MktBalance)
	binary.BigEndian.PutUint64(b[8:16], e.PrcBalance)
	binary.BigEndian.PutUint64(b[16:24], uint64(e.TsUpdated))
}

// OwnerKey hashes an owner identity into its 128-bit ledger key.
func OwnerKey(owner market.AccountID) critbit.Key {
	sum := blake3.Sum256(owner[:])
	return critbit.Key{
		Hi: binary.BigEndian.Uint64(sum[0:8]),
		Lo: binary.BigEndian.Uint64(sum[8:16]),
	}
}

// Lookup returns an owner's entry if present.
func (s *Segment) Lookup(owner market.AccountID) (Entry, bool) {
	leaf, ok := s.mapView().GetKey(OwnerKey(owner))
	if !ok {
		return Entry{}, false
	}
	return s.entry(leaf.Slot), true
}

// Credit adds an owed amount to an owner, creating the entry when
// needed. A full segment returns ErrSettlementLogFull untouched.
func (s *Segment) Credit(owner market.AccountID, mktToken bool, amount uint64, now int64) (uint64, error) {
	m := s.mapView()
	key := OwnerKey(owner)
	if leaf, ok := m.GetKey(key); ok {
		e := s.entry(leaf.Slot)
		var err error
		var balance uint64
		if mktToken {
			if balance, err = market.SafeAdd(e.MktBalance, amount); err != nil {
				return 0, err
			}
			e.MktBalance = balance
		} else {
			if balance, err = market.SafeAdd(e.PrcBalance, amount); err != nil {
				return 0, err
			}
			e.PrcBalance = balance
		}
		s.setEntry(leaf.Slot, e)
		return balance, nil
	}

	handle, _, err := m.InsertLeaf(critbit.Leaf{Key: key, Owner: owner})
	if err != nil {
		return 0, market.ErrSettlementLogFull
	}
	// Slot assignment waits until the trie insert succeeded so the
	// record store stays untouched when the segment is full.
	slot, err := slab.VecNext(s.arena, accountsType)
	if err != nil {
		m.RemoveByKey(key)
		return 0, market.ErrSettlementLogFull
	}
	m.SetSlot(handle, slot)
	e := Entry{TsUpdated: now}
	if mktToken {
		e.MktBalance = amount
	} else {
		e.PrcBalance = amount
	}
	s.setEntry(slot, e)
	s.setItems(s.Items() + 1)
	return amount, nil
}

// Remove deletes an owner's entry and frees its slot, returning the
// balances it held.
func (s *Segment) Remove(owner market.AccountID) (Entry, error) {
	m := s.mapView()
	leaf, ok := m.RemoveByKey(OwnerKey(owner))
	if !ok {
		return Entry{}, market.ErrAccountNotFound
	}
	e := s.entry(leaf.Slot)
	slab.VecFree(s.arena, accountsType, leaf.Slot)
	s.setItems(s.Items() - 1)
	return e, nil
}

// Walk visits every entry in the segment.
func (s *Segment) Walk(fn func(owner [32]byte, e Entry) bool) {
	m := s.mapView()
	m.Traverse(func(l critbit.Leaf) bool {
		return fn(l.Owner, s.entry(l.Slot))
	})
}
