// Package critbit implements a crit-bit trie over 128-bit keys. Nodes
// live in fixed 64 byte slots inside a slab arena region, so a whole
// trie persists with its buffer and needs no pointer fixup on reattach.
package critbit

import (
	"fmt"
	"math/bits"
)

// Key is an unsigned 128-bit value, Hi holding the most significant
// 64 bits.
type Key struct {
	Hi, Lo uint64
}

func (k Key) IsZero() bool { return k.Hi == 0 && k.Lo == 0 }

func (k Key) Xor(o Key) Key {
	return Key{Hi: k.Hi ^ o.Hi, Lo: k.Lo ^ o.Lo}
}

func (k Key) Less(o Key) bool {
	if k.Hi != o.Hi {
		return k.Hi < o.Hi
	}
	return k.Lo < o.Lo
}

// LeadingZeros counts zero bits from the most significant end.
func (k Key) LeadingZeros() uint32 {
	if k.Hi != 0 {
		return uint32(bits.LeadingZeros64(k.Hi))
	}
	return 64 + uint32(bits.LeadingZeros64(k.Lo))
}

// Bit reports whether the bit at position i is set, counting from the
// most significant bit at zero.
func (k Key) Bit(i uint32) bool {
	if i < 64 {
		return k.Hi&(1<<(63-i)) != 0
	}
	return k.Lo&(1<<(127-i)) != 0
}

func (k Key) String() string {
	return fmt.Sprintf("%016x%016x", k.Hi, k.Lo)
}
