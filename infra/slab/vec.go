package slab

import (
	"encoding/binary"
	"errors"
)

// VecHeaderSize is the size of the header a vec keeps at the front of
// its region: a bump counter and a free list top.
const VecHeaderSize = 8

// ErrVecFull is returned when a vec has no free slot left.
var ErrVecFull = errors.New("slab: vec full")

// A vec region hands out item indices from a bump counter and recycles
// freed ones through an intrusive free list. The free list top is the
// freed index plus one, zero meaning empty, and a freed item's first
// eight bytes hold the previous top.

// VecNext pops a recycled index if one exists, otherwise bumps the
// counter. The returned slot's bytes are stale until overwritten.
func VecNext(a *Arena, typeID uint16) (uint32, error) {
	h := a.Header(typeID)
	next := binary.BigEndian.Uint32(h[0:4])
	top := binary.BigEndian.Uint32(h[4:8])
	if top == 0 {
		if int(next) >= a.Capacity(typeID) {
			return 0, ErrVecFull
		}
		binary.BigEndian.PutUint32(h[0:4], next+1)
		return next, nil
	}
	idx := top - 1
	prev := binary.BigEndian.Uint64(a.Item(typeID, int(idx))[0:8])
	binary.BigEndian.PutUint32(h[4:8], uint32(prev))
	return idx, nil
}

// VecFree returns an index to the free list.
func VecFree(a *Arena, typeID uint16, index uint32) {
	h := a.Header(typeID)
	top := binary.BigEndian.Uint32(h[4:8])
	binary.BigEndian.PutUint64(a.Item(typeID, int(index))[0:8], uint64(top))
	binary.BigEndian.PutUint32(h[4:8], index+1)
}

// VecLen returns how many indices the bump counter has handed out.
// Recycled slots stay counted.
func VecLen(a *Arena, typeID uint16) uint32 {
	return binary.BigEndian.Uint32(a.Header(typeID)[0:4])
}
