// Package orderbook lays out both sides of a market inside one arena
// buffer: a crit-bit price-time index and an order record store per
// side.
package orderbook

import (
	"tidebook/domain/market"
	"tidebook/infra/critbit"
	"tidebook/infra/slab"
)

// Region type ids within the book buffer.
const (
	bidMapType    uint16 = 0
	bidOrdersType uint16 = 1
	askMapType    uint16 = 2
	askOrdersType uint16 = 3
)

// Book is a view over an attached orderbook buffer.
type Book struct {
	arena *slab.Arena
}

func regionSpecs(maxOrders int) []slab.RegionSpec {
	mapSpec := slab.RegionSpec{
		HeaderSize:  critbit.HeaderSize,
		HeaderAlign: 8,
		ItemSize:    critbit.NodeSize,
		Count:       maxOrders,
	}
	recSpec := slab.RegionSpec{
		HeaderSize:  slab.VecHeaderSize,
		HeaderAlign: 8,
		ItemSize:    OrderSize,
		Count:       maxOrders,
	}
	return []slab.RegionSpec{mapSpec, mapSpec, recSpec, recSpec}
}

// BufferSize returns the byte length a book buffer needs.
func BufferSize(maxOrders int) int {
	return slab.BufferSize(regionSpecs(maxOrders)...)
}

// Create formats a buffer as an empty book. maxOrders is the node
// budget of each side's trie; inner nodes count against it, so a side
// holds at most (maxOrders+1)/2 resting orders.
func Create(buf []byte, maxOrders int) (*Book, error) {
	a, err := slab.Format(buf)
	if err != nil {
		return nil, err
	}
	specs := regionSpecs(maxOrders)
	for _, typeID := range []uint16{bidMapType, askMapType, bidOrdersType, askOrdersType} {
		spec := specs[0]
		if typeID == bidOrdersType || typeID == askOrdersType {
			spec = specs[2]
		}
		if err := a.Allocate(typeID, spec.HeaderSize, spec.HeaderAlign, spec.ItemSize, spec.Count); err != nil {
			return nil, err
		}
	}
	return &Book{arena: a}, nil
}

// Attach wraps an existing book buffer.
func Attach(buf []byte) (*Book, error) {
	a, err := slab.Attach(buf)
	if err != nil {
		return nil, err
	}
	return &Book{arena: a}, nil
}

// Bytes returns the underlying buffer.
func (b *Book) Bytes() []byte { return b.arena.Bytes() }

func mapType(side market.Side) uint16 {
	if side == market.Bid {
		return bidMapType
	}
	return askMapType
}

func ordersType(side market.Side) uint16 {
	if side == market.Bid {
		return bidOrdersType
	}
	return askOrdersType
}

// Map returns the trie of one side.
func (b *Book) Map(side market.Side) critbit.Map {
	return critbit.Map{Arena: b.arena, TypeID: mapType(side)}
}

// Order reads the record a leaf's slot points at.
func (b *Book) Order(side market.Side, slot uint32) Order {
	return decodeOrder(b.arena.Item(ordersType(side), int(slot)))
}

// SetOrder writes an order record.
func (b *Book) SetOrder(side market.Side, slot uint32, o Order) {
	encodeOrder(b.arena.Item(ordersType(side), int(slot)), o)
}

// Alloc reserves a record slot.
func (b *Book) Alloc(side market.Side) (uint32, error) {
	slot, err := slab.VecNext(b.arena, ordersType(side))
	if err != nil {
		return 0, market.ErrOutOfSpace
	}
	return slot, nil
}

// Free recycles a record slot.
func (b *Book) Free(side market.Side, slot uint32) {
	slab.VecFree(b.arena, ordersType(side), slot)
}
