package xhci

import (
	"time"

	"github.com/kernelcore/xhcimod/internal/regio"
)

// Capability register offsets, relative to BAR0 (spec §6).
const (
	capLength  = 0x00
	hciVersion = 0x02
	hcsParams1 = 0x04
	hcsParams2 = 0x08
	hcsParams3 = 0x0c
	hccParams1 = 0x10
	dboff      = 0x14
	rtsoff     = 0x18
	hccParams2 = 0x1c
)

// Operational register offsets, relative to capLength (spec §6).
const (
	usbCmd  = 0x00
	usbSts  = 0x04
	pageSz  = 0x08
	dnCtrl  = 0x14
	crcr    = 0x18
	dcbaap  = 0x30
	config  = 0x38
	portSC0 = 0x400
	portRegSetSize = 0x10
)

// USBCMD bits.
const (
	cmdRunStop = 1 << 0
	cmdHCReset = 1 << 1
	cmdINTE    = 1 << 2
)

// USBSTS bits.
const (
	stsHCH  = 1 << 0
	stsHSE  = 1 << 2
	stsEINT = 1 << 3
	stsPCD  = 1 << 4
	stsCNR  = 1 << 11
	stsSRE  = 1 << 10
)

// PORTSC bits.
const (
	portCCS = 1 << 0
	portPED = 1 << 1
	portPR  = 1 << 4
	portCSC = 1 << 17
)

// Runtime register offsets relative to the runtime base (RTSOFF).
const (
	mfIndex       = 0x00
	interrupter0  = 0x20
	interrupterSz = 0x20
)

// IMAN bits.
const (
	imanIP = 1 << 0
	imanIE = 1 << 1
)

// Doorbell array base is DBOFF relative to BAR0; each entry is 4 bytes.
const doorbellEntrySize = 4

func (c *Controller) cap(off uint) uint {
	return c.bar + off
}

func (c *Controller) opOff(off uint) uint {
	return c.bar + uint(c.capLen) + off
}

func (c *Controller) rtOff(off uint) uint {
	return c.bar + c.rtsoff + off
}

func (c *Controller) dbOff(off uint) uint {
	return c.bar + c.dboff + off
}

func (c *Controller) portOff(port int) uint {
	return c.opOff(portSC0 + uint(port)*portRegSetSize)
}

// waitCNR waits for Controller Not Ready (USBSTS bit 11) to clear,
// spec §4.5 step 2, bounded at 20 seconds.
func (c *Controller) waitCNR() error {
	if !regio.WaitFor(20*time.Second, c.opOff(usbSts), 11, 1, 0) {
		return errTimeout("controller not ready")
	}
	return nil
}
