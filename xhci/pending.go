package xhci

import (
	"sync"

	"github.com/kernelcore/xhcimod/internal/pmap"
)

// IOCP is an I/O Completion Packet: the kernel-side record a waiter
// blocks on while the controller processes its request.
//
// expected_count is set by the submitter before the device can produce
// any event; Invoke decrements it and wakes the waiter once it reaches
// zero, per spec §3.
type IOCP struct {
	mu sync.Mutex

	CompletionCode int
	SlotID         uint8
	Remaining      uint32

	expected int
	done     chan struct{}

	cancelled bool
}

// NewIOCP returns an IOCP expecting expectedCount completion events
// before it is considered done.
func NewIOCP(expectedCount int) *IOCP {
	return &IOCP{
		expected: expectedCount,
		done:     make(chan struct{}),
	}
}

// Invoke records one completion's code/slot/remaining-length and, once
// every expected completion has arrived, closes Wait's channel. A
// cancelled IOCP drops the event silently, matching the cancellation
// contract in spec §5.
func (p *IOCP) Invoke(completionCode int, slotID uint8, remaining uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancelled {
		return
	}

	p.CompletionCode = completionCode
	p.SlotID = slotID
	p.Remaining = remaining

	p.expected--
	if p.expected <= 0 {
		close(p.done)
	}
}

// Cancel marks the IOCP so a subsequently-arriving event is dropped
// instead of invoked.
func (p *IOCP) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = true
}

// Wait blocks until Invoke has been called expectedCount times.
func (p *IOCP) Wait() {
	<-p.done
}

// PendingTable is the open-addressed hash from a TRB slot's physical
// address to the IOCP awaiting its completion (spec §4.2), built on
// the shared internal/pmap generic table. Load factor and rehash
// behavior come from pmap.Table; this type adds the mutex pmap.Table
// itself does not provide, since xhci's submit path and IRQ bottom half
// contend on it from different goroutines.
type PendingTable struct {
	mu    sync.Mutex
	table pmap.Table[uint64, *IOCP]
}

// Insert records iocp under the physical address key.
func (t *PendingTable) Insert(addr uint64, iocp *IOCP) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.table.Insert(addr, iocp)
}

// Lookup returns the IOCP registered for addr, if any.
func (t *PendingTable) Lookup(addr uint64) (*IOCP, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.table.Lookup(addr)
}

// Remove deletes the entry for addr, reporting whether one existed.
func (t *PendingTable) Remove(addr uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.table.Delete(addr)
}

// Len reports the underlying pmap.Table's Len: the pending entries plus
// any tombstones Remove has left.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.table.Len()
}
