package critbit

import "encoding/binary"

// NodeSize is the arena item size of one trie node slot.
const NodeSize = 64

// Node tags, stored in-band so any slot identifies itself.
const (
	tagUninitialized uint32 = 0
	tagInner         uint32 = 1
	tagLeaf          uint32 = 2
	tagFree          uint32 = 3
	tagFreeTail      uint32 = 4
)

// Slot layout, big endian:
//
//	[0:4]    tag
//	[4:20]   key (Hi, Lo)
//	inner:   [20:24] prefix length, [24:28] child 0, [28:32] child 1
//	leaf:    [20:24] record slot,   [24:56] owner
//	free:    [20:24] next free handle

// Leaf is the decoded form of a leaf node.
type Leaf struct {
	Key   Key
	Slot  uint32
	Owner [32]byte
}

type inner struct {
	key       Key
	prefixLen uint32
	children  [2]uint32
}

func nodeTag(b []byte) uint32 { return binary.BigEndian.Uint32(b[0:4]) }

func nodeKey(b []byte) Key {
	return Key{
		Hi: binary.BigEndian.Uint64(b[4:12]),
		Lo: binary.BigEndian.Uint64(b[12:20]),
	}
}

func putNodeKey(b []byte, k Key) {
	binary.BigEndian.PutUint64(b[4:12], k.Hi)
	binary.BigEndian.PutUint64(b[12:20], k.Lo)
}

func decodeLeaf(b []byte) Leaf {
	var l Leaf
	l.Key = nodeKey(b)
	l.Slot = binary.BigEndian.Uint32(b[20:24])
	copy(l.Owner[:], b[24:56])
	return l
}

func encodeLeaf(b []byte, l Leaf) {
	clearSlot(b)
	binary.BigEndian.PutUint32(b[0:4], tagLeaf)
	putNodeKey(b, l.Key)
	binary.BigEndian.PutUint32(b[20:24], l.Slot)
	copy(b[24:56], l.Owner[:])
}

func decodeInner(b []byte) inner {
	var n inner
	n.key = nodeKey(b)
	n.prefixLen = binary.BigEndian.Uint32(b[20:24])
	n.children[0] = binary.BigEndian.Uint32(b[24:28])
	n.children[1] = binary.BigEndian.Uint32(b[28:32])
	return n
}

func encodeInner(b []byte, n inner) {
	clearSlot(b)
	binary.BigEndian.PutUint32(b[0:4], tagInner)
	putNodeKey(b, n.key)
	binary.BigEndian.PutUint32(b[20:24], n.prefixLen)
	binary.BigEndian.PutUint32(b[24:28], n.children[0])
	binary.BigEndian.PutUint32(b[28:32], n.children[1])
}

func encodeFree(b []byte, tag uint32, next uint32) {
	clearSlot(b)
	binary.BigEndian.PutUint32(b[0:4], tag)
	binary.BigEndian.PutUint32(b[20:24], next)
}

func freeNext(b []byte) uint32 { return binary.BigEndian.Uint32(b[20:24]) }

func clearSlot(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// walkDown picks the child the search key descends into at an inner
// node and reports which side it took.
func (n inner) walkDown(search Key) (uint32, int) {
	side := 0
	if search.Bit(n.prefixLen) {
		side = 1
	}
	return n.children[side], side
}
