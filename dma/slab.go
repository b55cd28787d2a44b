package dma

import (
	"unsafe"

	"github.com/kernelcore/xhcimod/errno"
)

// Slab is a fixed-capacity, fixed-item-size pool carved out of a DMA
// arena. Freed items are threaded onto a free list by overwriting the
// first 4 bytes of the freed slot with the previous free index, so the
// pool never allocates bookkeeping memory beyond the arena itself.
//
// Used for xHCI input contexts: short-lived, fixed-size, DMA-visible
// buffers that a command consumes once and then releases, where a
// general first-fit Region allocation would otherwise fragment on
// every Address Device / Evaluate Context command.
type Slab struct {
	region    *Region
	base      uint
	itemSize  uint
	capacity  uint
	count     uint
	firstFree uint32
}

const slabNoFree = ^uint32(0)

// NewSlab reserves capacity*itemSize bytes from region, aligned to
// align, and returns a pool of capacity fixed-size items. itemSize must
// be at least 4 bytes, since the free list is threaded through the
// first word of each item.
func NewSlab(region *Region, itemSize, capacity uint, align int) (*Slab, error) {
	if itemSize < 4 {
		return nil, errno.EInval
	}

	addr, _ := region.Reserve(int(itemSize*capacity), align)

	return &Slab{
		region:    region,
		base:      addr,
		itemSize:  itemSize,
		capacity:  capacity,
		firstFree: slabNoFree,
	}, nil
}

func (s *Slab) itemAddr(index uint32) uint {
	return s.base + uint(index)*s.itemSize
}

func (s *Slab) view(addr uint) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), s.itemSize)
}

// Alloc returns the address of a free item along with a byte slice
// viewing it, or ENoMem if the slab is exhausted. Items threaded on the
// free list are cleared to zero before being handed back; items handed
// out for the first time come from a freshly zeroed arena.
func (s *Slab) Alloc() (uint, []byte, error) {
	if s.firstFree != slabNoFree {
		addr := s.itemAddr(s.firstFree)
		next := (*uint32)(unsafe.Pointer(uintptr(addr)))
		s.firstFree = *next

		buf := s.view(addr)
		for i := range buf {
			buf[i] = 0
		}

		return addr, buf, nil
	}

	if s.count < s.capacity {
		addr := s.itemAddr(uint32(s.count))
		s.count++
		return addr, s.view(addr), nil
	}

	return 0, nil, errno.ENoMem
}

// Free returns item, identified by its allocation address, to the free
// list. The caller must not use the memory after calling Free.
func (s *Slab) Free(addr uint) {
	index := uint32((addr - s.base) / s.itemSize)

	next := (*uint32)(unsafe.Pointer(uintptr(addr)))
	*next = s.firstFree

	s.firstFree = index
}
