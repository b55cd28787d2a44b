package xhci

import (
	"sync"

	"github.com/kernelcore/xhcimod/dma"
	"github.com/kernelcore/xhcimod/errno"
)

// Ring is a producer/consumer queue of fixed-size TRBs in DMA-visible
// memory with a trailing link TRB and a toggling producer cycle bit.
//
// Invariants (spec §3/§4.1): the link TRB is always the last slot and
// points back at the ring's own physical base; a slot belongs to the
// device iff its cycle bit equals the current producer cycle; insert
// writes the non-cycle words first and the cycle bit last, with
// release ordering; writing the link TRB's cycle flips the producer
// cycle for the next wrap.
type Ring struct {
	mu sync.Mutex

	region *dma.Region
	base   uint // physical base address of slot 0
	count  int  // total slots including the link TRB
	next   int  // index of the next slot to produce into
	cycle  bool // current producer cycle

	linked bool
}

// NewRing allocates count TRB slots (the last of which becomes the link
// TRB once ReserveLink is called) from region, zeroed, with producer
// cycle set to true per spec §4.1 alloc().
func NewRing(region *dma.Region, count int) (*Ring, error) {
	if count < 2 {
		return nil, errno.EInval
	}

	addr, buf := region.Reserve(count*TRBSize, 16)
	for i := range buf {
		buf[i] = 0
	}

	return &Ring{
		region: region,
		base:   addr,
		count:  count,
		cycle:  true,
	}, nil
}

// PhysBase returns the ring's physical base address, the value
// programmed into CRCR or an event ring segment table entry.
func (r *Ring) PhysBase() uint {
	return r.base
}

func (r *Ring) slotAddr(i int) uint {
	return r.base + uint(i)*TRBSize
}

func (r *Ring) slot(i int) *TRB {
	return (*TRB)(trbPointer(r.slotAddr(i)))
}

// ReserveLink installs a link TRB at the last slot, pointing back at
// the ring's physical base with the toggle-cycle flag set, and reduces
// the usable slot count by one as spec §4.1 requires.
func (r *Ring) ReserveLink() {
	r.mu.Lock()
	defer r.mu.Unlock()

	link := r.slot(r.count - 1)
	*link = TRB{}
	link.SetParameter(uint64(r.base))
	link.SetType(TypeLink)
	link.SetControlBits(FlagToggleCycle)
	link.SetCycle(r.cycle)

	r.linked = true
}

// Insert writes src's parameter/status words into the current slot,
// then publishes it by writing the control word (type, flags, cycle)
// last, matching the device/driver release-store handshake. If the
// insert lands on the link slot, the link TRB's cycle is republished
// and the producer cycle flips for the next wrap. If iocp is non-nil,
// the slot's physical address is registered in pending keyed by that
// address.
func (r *Ring) Insert(src *TRB, iocp *IOCP, pending *PendingTable) uint {
	r.mu.Lock()
	defer r.mu.Unlock()

	usable := r.count - 1
	if !r.linked {
		usable = r.count
	}

	idx := r.next
	dst := r.slot(idx)

	dst.setWord(0, src.word(0))
	dst.setWord(1, src.word(1))
	dst.setWord(2, src.word(2))

	// type and flags first, keeping the slot's old cycle bit so the
	// device does not own it yet; SetCycle then publishes it.
	dst.setWord(3, (src.word(3)&^1)|(dst.word(3)&1))
	dst.SetCycle(r.cycle)

	addr := r.slotAddr(idx)

	if iocp != nil && pending != nil {
		pending.Insert(uint64(addr), iocp)
	}

	r.next++

	if r.linked && r.next == usable {
		link := r.slot(r.count - 1)
		link.SetCycle(r.cycle)
		r.next = 0
		r.cycle = !r.cycle
	}

	return addr
}

// ProducerCycle reports the ring's current producer cycle bit, the
// value the next inserted TRB will carry.
func (r *Ring) ProducerCycle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycle
}

// Next returns the index of the next slot that will be produced into.
func (r *Ring) Next() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// SlotAt returns the TRB stored at index i, for event-ring polling and
// tests.
func (r *Ring) SlotAt(i int) *TRB {
	return r.slot(i)
}
