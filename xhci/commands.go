package xhci

import (
	"fmt"

	"github.com/kernelcore/xhcimod/errno"
)

// issueCommand inserts a command TRB onto the command ring under
// lockCmd and rings doorbell 0, then blocks on the returned IOCP.
func (c *Controller) issueCommand(trb *TRB) *IOCP {
	iocp := NewIOCP(1)

	c.lockCmd.Lock()
	c.cmdRing.Insert(trb, iocp, &c.pending)
	c.lockCmd.Unlock()

	c.RingDoorbell(0, 0, 0)

	iocp.Wait()

	return iocp
}

// EnableSlot issues an Enable Slot command and returns the slot ID the
// controller assigned.
func (c *Controller) EnableSlot() (int, error) {
	var trb TRB
	trb.SetType(TypeEnableSlot)

	iocp := c.issueCommand(&trb)
	if err := completionErrno(iocp.CompletionCode); err != nil {
		return 0, err
	}

	c.lockCmd.Lock()
	c.slots[int(iocp.SlotID)] = &slotRecord{state: slotStarting}
	c.lockCmd.Unlock()

	return int(iocp.SlotID), nil
}

// SetAddress issues an Address Device command for slot using the given
// root-hub port and hub route string, allocating the slot's input
// context, DCBAA entry, and endpoint-0 transfer ring along the way.
func (c *Controller) SetAddress(slot, port int, route uint32) error {
	inputAddr, _, err := c.inputSlab.Alloc()
	if err != nil {
		return err
	}
	defer c.inputSlab.Free(inputAddr)

	input, err := NewInputContext(inputAddr, c.csz)
	if err != nil {
		return err
	}

	input.Control().SetAddBits(0x3) // slot context + EP0 context

	slotCtx := input.Slot()
	slotCtx.SetRouteString(route)
	slotCtx.SetRootHubPort(uint32(port))

	ep0Ring, err := NewRing(c.region, 16)
	if err != nil {
		return err
	}
	ep0Ring.ReserveLink()

	ep0 := input.Endpoint(1)
	ep0.SetMaxPacketSize(8)
	ep0.SetTRDequeuePtr(uint64(ep0Ring.PhysBase()), true)

	deviceAddr, deviceBuf := c.region.Reserve(int(c.csz.stride())*32, 64)
	for i := range deviceBuf {
		deviceBuf[i] = 0
	}

	c.dcbaa.SetEntry(slot, uint64(deviceAddr))

	var trb TRB
	trb.SetParameter(uint64(inputAddr))
	trb.SetType(TypeAddressDevice)
	trb.SetStatus(uint32(slot) << 24)

	iocp := c.issueCommand(&trb)
	if err := completionErrno(iocp.CompletionCode); err != nil {
		return err
	}

	c.lockCmd.Lock()
	c.eps[epKey{slot: slot, ep: 1}] = ep0Ring
	c.slots[slot].state = slotAddressed
	c.slots[slot].port = port
	c.slots[slot].route = route
	c.lockCmd.Unlock()

	return nil
}

// EvaluateContext issues an Evaluate Context command for slot using the
// input context at inputAddr, for follow-up adjustments such as
// updating ep0's max packet size once the real device descriptor value
// is known.
func (c *Controller) EvaluateContext(slot int, inputAddr uint) error {
	var trb TRB
	trb.SetParameter(uint64(inputAddr))
	trb.SetType(TypeEvaluateContext)
	trb.SetStatus(uint32(slot) << 24)

	iocp := c.issueCommand(&trb)
	return completionErrno(iocp.CompletionCode)
}

// ResetEndpoint issues a Reset Endpoint command, the first half of
// recovering a stalled endpoint (spec §4.5 endpoint state machine).
func (c *Controller) ResetEndpoint(slot, ep int) error {
	var trb TRB
	trb.SetType(TypeResetEndpoint)
	trb.SetStatus(uint32(slot)<<24 | uint32(ep)<<16)

	iocp := c.issueCommand(&trb)
	return completionErrno(iocp.CompletionCode)
}

// SetTRDequeuePointer issues a Set TR Dequeue Pointer command, the
// second half of recovering a stalled endpoint: it resumes the
// endpoint's transfer ring at newDequeue.
func (c *Controller) SetTRDequeuePointer(slot, ep int, newDequeue uint64, dcs bool) error {
	var trb TRB
	v := newDequeue &^ 0xf
	if dcs {
		v |= 1
	}
	trb.SetParameter(v)
	trb.SetType(TypeSetTRDequeuePtr)
	trb.SetStatus(uint32(slot)<<24 | uint32(ep)<<16)

	iocp := c.issueCommand(&trb)
	return completionErrno(iocp.CompletionCode)
}

// errMissingSlot reports an enumeration step referencing a slot the
// controller never created.
func errMissingSlot(slot int) error {
	return fmt.Errorf("xhci: slot %d: %w", slot, errno.ENoEnt)
}
