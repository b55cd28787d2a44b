package xhci

import (
	"time"

	"github.com/kernelcore/xhcimod/internal/regio"
)

// DeviceDescriptor is the subset of the standard USB device descriptor
// the enumeration flow inspects before handing the device to a class
// driver.
type DeviceDescriptor struct {
	MaxPacketSize0 uint8
	USBVersion     uint16
}

// ClassDriver is implemented by drivers registered to claim enumerated
// devices. EnumeratePort calls only Accept; nothing in this package
// calls AllocPipe.
type ClassDriver interface {
	Accept(desc DeviceDescriptor) bool
	AllocPipe(c *Controller, slot, ep int) error
}

// EnumeratePort drives a single root-hub port through the enumeration
// sequence in spec §4.5: enable_slot, set_address, an 8-byte
// get_descriptor to learn the real max packet size, an optional
// evaluate_context if it differs from the default of 8, then the full
// device and configuration descriptors, a BOS descriptor on USB >= 2.10
// devices, and finally class-driver lookup: it stops at the first
// driver whose Accept returns true. It does not parse the configuration
// descriptor's endpoints or allocate pipes for them.
func (c *Controller) EnumeratePort(port int, drivers []ClassDriver) error {
	if err := c.resetPort(port); err != nil {
		return err
	}

	slot, err := c.EnableSlot()
	if err != nil {
		return err
	}

	if err := c.SetAddress(slot, port, 0); err != nil {
		return err
	}

	first := make([]byte, 8)
	if err := c.GetDescriptor(slot, descriptorDevice, 0, first); err != nil {
		return err
	}

	maxPacket := uint32(first[7])
	if maxPacket != 8 {
		inputAddr, _, err := c.inputSlab.Alloc()
		if err != nil {
			return err
		}

		input, err := NewInputContext(inputAddr, c.csz)
		if err != nil {
			c.inputSlab.Free(inputAddr)
			return err
		}
		input.Control().SetAddBits(0x2)
		input.Endpoint(1).SetMaxPacketSize(maxPacket)

		err = c.EvaluateContext(slot, inputAddr)
		c.inputSlab.Free(inputAddr)
		if err != nil {
			return err
		}
	}

	full := make([]byte, 18)
	if err := c.GetDescriptor(slot, descriptorDevice, 0, full); err != nil {
		return err
	}

	desc := DeviceDescriptor{
		MaxPacketSize0: full[7],
		USBVersion:     uint16(full[2]) | uint16(full[3])<<8,
	}

	cfg := make([]byte, 128)
	if err := c.GetDescriptor(slot, descriptorConfiguration, 0, cfg); err != nil {
		return err
	}

	if desc.USBVersion >= 0x0210 {
		bos := make([]byte, 256)
		_ = c.GetDescriptor(slot, descriptorBOS, 0, bos)
	}

	for _, d := range drivers {
		if d.Accept(desc) {
			return nil
		}
	}

	return nil
}

func (c *Controller) resetPort(port int) error {
	off := c.portOff(port)

	if regio.Read(off)&portCCS == 0 {
		return nil
	}

	regio.Or(off, portPR)

	if !regio.WaitFor(time.Second, off, 4, 1, 0) {
		return errTimeout("port reset did not self-clear")
	}

	return nil
}

// SetHubPortCount evaluates slot's context to mark it a hub with
// numPorts downstream ports, part of hub recursion in spec §4.5.
func (c *Controller) SetHubPortCount(slot, numPorts int) error {
	inputAddr, _, err := c.inputSlab.Alloc()
	if err != nil {
		return err
	}
	defer c.inputSlab.Free(inputAddr)

	input, err := NewInputContext(inputAddr, c.csz)
	if err != nil {
		return err
	}

	input.Control().SetAddBits(0x1)

	slotCtx := input.Slot()
	regio.Or(slotCtx.base, 1<<26)                          // Hub
	regio.SetN(slotCtx.base+4, 24, 0xff, uint32(numPorts)) // Number of Ports

	c.lockCmd.Lock()
	rec := c.slots[slot]
	if rec != nil {
		rec.hub = true
	}
	c.lockCmd.Unlock()

	return c.EvaluateContext(slot, inputAddr)
}

// ChildRoute appends a child port number to a parent hub's route
// string at the next four-bit tier, per the route-string encoding in
// the glossary.
func ChildRoute(parentRoute uint32, tier int, childPort int) uint32 {
	shift := uint(tier * 4)
	return parentRoute | (uint32(childPort&0xf) << shift)
}

const (
	descriptorDevice        = 1
	descriptorConfiguration = 2
	descriptorBOS           = 15
)
