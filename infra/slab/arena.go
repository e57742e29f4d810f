// Package slab implements a page based arena allocator over a single
// byte buffer. The buffer begins with a page table describing up to
// four typed regions, each region owning up to four 16 KiB pages. All
// access is pure offset arithmetic so a buffer can be persisted and
// reattached byte for byte.
package slab

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// PageSize is the fixed size of one data page.
	PageSize = 16384

	// TypeMax is the number of typed regions a buffer can hold.
	TypeMax = 4

	// TypeMaxPages is the page budget of a single typed region.
	TypeMaxPages = 4

	typeDescSize = 4 + 4 + 4 + 4 + 2*TypeMaxPages
	tableSize    = 2 + TypeMax*typeDescSize
)

var (
	ErrAlreadyAllocated = errors.New("slab: type already allocated")
	ErrOutOfPages       = errors.New("slab: out of pages")
	ErrBufferTooSmall   = errors.New("slab: buffer too small")
	ErrInvalidLayout    = errors.New("slab: invalid layout")
)

// typeDesc is the on-buffer descriptor of one typed region.
//
// Layout (big endian):
//
//	[0:4]   header size
//	[4:8]   item size
//	[8:12]  alignment offset
//	[12:16] item count
//	[16:24] page indices, 4 x u16
type typeDesc struct {
	headerSize  uint32
	itemSize    uint32
	alignOffset uint32
	itemCount   uint32
	pages       [TypeMaxPages]uint16
}

// Arena is a view over an attached buffer. It holds no state of its
// own; every read and write goes straight to the underlying bytes.
type Arena struct {
	buf   []byte
	pages int
}

// Attach wraps an existing formatted buffer.
func Attach(buf []byte) (*Arena, error) {
	if len(buf) < tableSize+PageSize {
		return nil, ErrBufferTooSmall
	}
	return &Arena{buf: buf, pages: (len(buf) - tableSize) / PageSize}, nil
}

// Format wraps a buffer and zeroes its page table, discarding any
// previous contents.
func Format(buf []byte) (*Arena, error) {
	a, err := Attach(buf)
	if err != nil {
		return nil, err
	}
	for i := 0; i < tableSize; i++ {
		buf[i] = 0
	}
	return a, nil
}

// Bytes returns the underlying buffer.
func (a *Arena) Bytes() []byte { return a.buf }

func (a *Arena) topUnused() uint16 {
	return binary.BigEndian.Uint16(a.buf[0:2])
}

func (a *Arena) setTopUnused(v uint16) {
	binary.BigEndian.PutUint16(a.buf[0:2], v)
}

func (a *Arena) desc(typeID uint16) typeDesc {
	if typeID >= TypeMax {
		panic(fmt.Sprintf("slab: type %d out of range", typeID))
	}
	off := 2 + int(typeID)*typeDescSize
	var d typeDesc
	d.headerSize = binary.BigEndian.Uint32(a.buf[off : off+4])
	d.itemSize = binary.BigEndian.Uint32(a.buf[off+4 : off+8])
	d.alignOffset = binary.BigEndian.Uint32(a.buf[off+8 : off+12])
	d.itemCount = binary.BigEndian.Uint32(a.buf[off+12 : off+16])
	for i := 0; i < TypeMaxPages; i++ {
		d.pages[i] = binary.BigEndian.Uint16(a.buf[off+16+2*i : off+18+2*i])
	}
	return d
}

func (a *Arena) putDesc(typeID uint16, d typeDesc) {
	off := 2 + int(typeID)*typeDescSize
	binary.BigEndian.PutUint32(a.buf[off:off+4], d.headerSize)
	binary.BigEndian.PutUint32(a.buf[off+4:off+8], d.itemSize)
	binary.BigEndian.PutUint32(a.buf[off+8:off+12], d.alignOffset)
	binary.BigEndian.PutUint32(a.buf[off+12:off+16], d.itemCount)
	for i := 0; i < TypeMaxPages; i++ {
		binary.BigEndian.PutUint16(a.buf[off+16+2*i:off+18+2*i], d.pages[i])
	}
}

// Allocate reserves pages for a typed region. headerAlign pads the
// region header so it starts on an aligned boundary within its first
// page. Allocating the same type twice fails.
func (a *Arena) Allocate(typeID uint16, headerSize, headerAlign, itemSize, count int) error {
	if typeID >= TypeMax {
		panic(fmt.Sprintf("slab: type %d out of range", typeID))
	}
	if headerSize < 0 || itemSize <= 0 || count <= 0 || headerAlign <= 0 {
		return ErrInvalidLayout
	}
	d := a.desc(typeID)
	if d.itemCount > 0 {
		return ErrAlreadyAllocated
	}

	// Pages sit tableSize bytes into the buffer and PageSize apart,
	// so one offset aligns the header in every page of the region.
	alignOffset := (headerAlign - tableSize%headerAlign) % headerAlign

	perPage := (PageSize - alignOffset - headerSize) / itemSize
	if perPage <= 0 {
		return ErrInvalidLayout
	}
	need := count / perPage
	if count%perPage != 0 {
		need++
	}
	if need > TypeMaxPages {
		return ErrOutOfPages
	}
	top := int(a.topUnused())
	if top+need > a.pages {
		return ErrOutOfPages
	}

	d.headerSize = uint32(headerSize)
	d.itemSize = uint32(itemSize)
	d.alignOffset = uint32(alignOffset)
	d.itemCount = uint32(count)
	for i := 0; i < need; i++ {
		d.pages[i] = uint16(top + i)
	}
	a.putDesc(typeID, d)
	a.setTopUnused(uint16(top + need))
	return nil
}

// RegionSpec describes one typed region for sizing a buffer up front.
type RegionSpec struct {
	HeaderSize  int
	HeaderAlign int
	ItemSize    int
	Count       int
}

// BufferSize returns the byte length a buffer needs to hold the given
// regions.
func BufferSize(specs ...RegionSpec) int {
	pages := 0
	for _, s := range specs {
		alignOffset := (s.HeaderAlign - tableSize%s.HeaderAlign) % s.HeaderAlign
		perPage := (PageSize - alignOffset - s.HeaderSize) / s.ItemSize
		need := s.Count / perPage
		if s.Count%perPage != 0 {
			need++
		}
		pages += need
	}
	return tableSize + pages*PageSize
}

// Capacity returns the item count the region was allocated with.
func (a *Arena) Capacity(typeID uint16) int {
	return int(a.desc(typeID).itemCount)
}

// Header returns the region header bytes, which live at the start of
// the region's first page after the alignment offset.
func (a *Arena) Header(typeID uint16) []byte {
	d := a.desc(typeID)
	base := tableSize + int(d.pages[0])*PageSize + int(d.alignOffset)
	end := base + int(d.headerSize)
	return a.buf[base:end:end]
}

// Item returns the bytes of one item. Index or type out of range is a
// programming error and panics.
func (a *Arena) Item(typeID uint16, index int) []byte {
	d := a.desc(typeID)
	if index < 0 || index >= int(d.itemCount) {
		panic(fmt.Sprintf("slab: item %d out of range for type %d", index, typeID))
	}
	itemSize := int(d.itemSize)
	perPage := (PageSize - int(d.alignOffset) - int(d.headerSize)) / itemSize
	page := index / perPage
	slot := index % perPage
	base := tableSize + int(d.pages[page])*PageSize +
		int(d.alignOffset) + int(d.headerSize) + slot*itemSize
	end := base + itemSize
	return a.buf[base:end:end]
}
