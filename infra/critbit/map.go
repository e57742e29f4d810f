package critbit

import (
	"encoding/binary"
	"errors"

	"tidebook/infra/slab"
)

// HeaderSize is the size of the map header kept at the front of the
// arena region.
//
// Layout (big endian):
//
//	[0:8]   bump index
//	[8:16]  free list length
//	[16:20] free list head
//	[20:24] root node handle
//	[24:32] leaf count
const HeaderSize = 32

// ErrOutOfSpace is returned when every node slot is in use.
var ErrOutOfSpace = errors.New("critbit: out of space")

// Map is a trie view over one arena region. The zero leaf count marks
// an empty trie, so a freshly allocated (all zero) region is valid.
type Map struct {
	Arena  *slab.Arena
	TypeID uint16
}

type header struct {
	bumpIndex    uint64
	freeListLen  uint64
	freeListHead uint32
	rootNode     uint32
	leafCount    uint64
}

func (m Map) header() header {
	b := m.Arena.Header(m.TypeID)
	return header{
		bumpIndex:    binary.BigEndian.Uint64(b[0:8]),
		freeListLen:  binary.BigEndian.Uint64(b[8:16]),
		freeListHead: binary.BigEndian.Uint32(b[16:20]),
		rootNode:     binary.BigEndian.Uint32(b[20:24]),
		leafCount:    binary.BigEndian.Uint64(b[24:32]),
	}
}

func (m Map) putHeader(h header) {
	b := m.Arena.Header(m.TypeID)
	binary.BigEndian.PutUint64(b[0:8], h.bumpIndex)
	binary.BigEndian.PutUint64(b[8:16], h.freeListLen)
	binary.BigEndian.PutUint32(b[16:20], h.freeListHead)
	binary.BigEndian.PutUint32(b[20:24], h.rootNode)
	binary.BigEndian.PutUint64(b[24:32], h.leafCount)
}

func (m Map) node(handle uint32) []byte {
	return m.Arena.Item(m.TypeID, int(handle))
}

// Len returns the number of leaves.
func (m Map) Len() uint64 { return m.header().leafCount }

// Capacity returns the total node slots, counting inner nodes. A trie
// with n leaves uses 2n-1 slots.
func (m Map) Capacity() int { return m.Arena.Capacity(m.TypeID) }

// Clear resets the map to empty without touching node slots.
func (m Map) Clear() { m.putHeader(header{}) }

func (m Map) allocSlot() (uint32, error) {
	h := m.header()
	if h.freeListLen == 0 {
		if h.bumpIndex >= uint64(m.Arena.Capacity(m.TypeID)) {
			return 0, ErrOutOfSpace
		}
		handle := uint32(h.bumpIndex)
		h.bumpIndex++
		m.putHeader(h)
		return handle, nil
	}
	handle := h.freeListHead
	h.freeListHead = freeNext(m.node(handle))
	h.freeListLen--
	m.putHeader(h)
	return handle, nil
}

func (m Map) freeSlot(handle uint32) {
	h := m.header()
	tag := tagFree
	if h.freeListLen == 0 {
		tag = tagFreeTail
	}
	encodeFree(m.node(handle), tag, h.freeListHead)
	h.freeListHead = handle
	h.freeListLen++
	m.putHeader(h)
}

// InsertLeaf adds a leaf, splitting an existing node at the first
// differing bit. Inserting an existing key overwrites the leaf in
// place and returns the previous one. On ErrOutOfSpace the trie is
// unchanged.
func (m Map) InsertLeaf(l Leaf) (uint32, *Leaf, error) {
	h := m.header()
	if h.leafCount == 0 {
		handle, err := m.allocSlot()
		if err != nil {
			return 0, nil, err
		}
		encodeLeaf(m.node(handle), l)
		h = m.header()
		h.rootNode = handle
		h.leafCount = 1
		m.putHeader(h)
		return handle, nil, nil
	}

	root := h.rootNode
	for {
		nb := m.node(root)
		rootKey := nodeKey(nb)
		if rootKey == l.Key && nodeTag(nb) == tagLeaf {
			prev := decodeLeaf(nb)
			encodeLeaf(nb, l)
			return root, &prev, nil
		}
		shared := rootKey.Xor(l.Key).LeadingZeros()
		if nodeTag(nb) == tagInner {
			in := decodeInner(nb)
			if shared >= in.prefixLen {
				root, _ = in.walkDown(l.Key)
				continue
			}
		}

		// Split here: the current slot becomes the common ancestor,
		// its old contents move to a fresh slot next to the new leaf.
		var old [NodeSize]byte
		copy(old[:], nb)

		leafHandle, err := m.allocSlot()
		if err != nil {
			return 0, nil, ErrOutOfSpace
		}
		movedHandle, err := m.allocSlot()
		if err != nil {
			m.freeSlot(leafHandle)
			return 0, nil, ErrOutOfSpace
		}
		encodeLeaf(m.node(leafHandle), l)
		copy(m.node(movedHandle), old[:])

		newSide := 0
		if l.Key.Bit(shared) {
			newSide = 1
		}
		var split inner
		split.key = l.Key
		split.prefixLen = shared
		split.children[newSide] = leafHandle
		split.children[1-newSide] = movedHandle
		encodeInner(m.node(root), split)

		h = m.header()
		h.leafCount++
		m.putHeader(h)
		return leafHandle, nil, nil
	}
}

// SetSlot rewrites the record slot of the leaf at handle.
func (m Map) SetSlot(handle uint32, slot uint32) {
	b := m.node(handle)
	binary.BigEndian.PutUint32(b[20:24], slot)
}

// GetKey looks up an exact key. The walk bails out as soon as the
// shared prefix with a node is shorter than the node's own prefix.
func (m Map) GetKey(search Key) (Leaf, bool) {
	h := m.header()
	if h.leafCount == 0 {
		return Leaf{}, false
	}
	handle := h.rootNode
	for {
		nb := m.node(handle)
		prefixLen := uint32(128)
		if nodeTag(nb) == tagInner {
			prefixLen = decodeInner(nb).prefixLen
		}
		if search.Xor(nodeKey(nb)).LeadingZeros() < prefixLen {
			return Leaf{}, false
		}
		if nodeTag(nb) == tagLeaf {
			return decodeLeaf(nb), true
		}
		handle, _ = decodeInner(nb).walkDown(search)
	}
}

func (m Map) findExtreme(max bool) (Leaf, bool) {
	h := m.header()
	if h.leafCount == 0 {
		return Leaf{}, false
	}
	side := 0
	if max {
		side = 1
	}
	handle := h.rootNode
	for {
		nb := m.node(handle)
		if nodeTag(nb) == tagLeaf {
			return decodeLeaf(nb), true
		}
		handle = decodeInner(nb).children[side]
	}
}

// FindMin returns the leaf with the smallest key.
func (m Map) FindMin() (Leaf, bool) { return m.findExtreme(false) }

// FindMax returns the leaf with the largest key.
func (m Map) FindMax() (Leaf, bool) { return m.findExtreme(true) }

func (m Map) scan(fromMax bool, pred func(Leaf) bool) (Leaf, bool) {
	h := m.header()
	if h.leafCount == 0 {
		return Leaf{}, false
	}
	stack := make([]uint32, 0, 128)
	stack = append(stack, h.rootNode)
	for len(stack) > 0 {
		handle := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		nb := m.node(handle)
		if nodeTag(nb) == tagInner {
			in := decodeInner(nb)
			if fromMax {
				stack = append(stack, in.children[0], in.children[1])
			} else {
				stack = append(stack, in.children[1], in.children[0])
			}
			continue
		}
		l := decodeLeaf(nb)
		if pred(l) {
			return l, true
		}
	}
	return Leaf{}, false
}

// PredicateMin returns the smallest-keyed leaf accepted by pred,
// visiting leaves in ascending key order. Rejected leaves stay in the
// trie; pred may record them for the caller.
func (m Map) PredicateMin(pred func(Leaf) bool) (Leaf, bool) {
	return m.scan(false, pred)
}

// PredicateMax is PredicateMin from the other end.
func (m Map) PredicateMax(pred func(Leaf) bool) (Leaf, bool) {
	return m.scan(true, pred)
}

// RemoveByKey deletes a leaf and collapses its parent into the
// sibling. Returns the removed leaf.
func (m Map) RemoveByKey(search Key) (Leaf, bool) {
	h := m.header()
	if h.leafCount == 0 {
		return Leaf{}, false
	}
	parent := h.rootNode
	pb := m.node(parent)
	if nodeTag(pb) == tagLeaf {
		l := decodeLeaf(pb)
		if l.Key != search {
			return Leaf{}, false
		}
		h.rootNode = 0
		h.leafCount = 0
		m.putHeader(h)
		m.freeSlot(parent)
		return l, true
	}

	child, side := decodeInner(pb).walkDown(search)
	for {
		cb := m.node(child)
		if nodeTag(cb) == tagInner {
			grand, gside := decodeInner(cb).walkDown(search)
			parent = child
			child = grand
			side = gside
			continue
		}
		if nodeKey(cb) != search {
			return Leaf{}, false
		}
		break
	}

	leaf := decodeLeaf(m.node(child))
	sibling := decodeInner(m.node(parent)).children[1-side]
	var tmp [NodeSize]byte
	copy(tmp[:], m.node(sibling))
	m.freeSlot(sibling)
	copy(m.node(parent), tmp[:])
	m.freeSlot(child)
	h = m.header()
	h.leafCount--
	m.putHeader(h)
	return leaf, true
}

// Traverse visits every leaf in ascending key order until fn returns
// false.
func (m Map) Traverse(fn func(Leaf) bool) {
	h := m.header()
	if h.leafCount == 0 {
		return
	}
	stack := make([]uint32, 0, 128)
	stack = append(stack, h.rootNode)
	for len(stack) > 0 {
		handle := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		nb := m.node(handle)
		if nodeTag(nb) == tagInner {
			in := decodeInner(nb)
			stack = append(stack, in.children[1], in.children[0])
			continue
		}
		if !fn(decodeLeaf(nb)) {
			return
		}
	}
}
