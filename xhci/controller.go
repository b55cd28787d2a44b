package xhci

import (
	"sync"
	"time"

	"github.com/kernelcore/xhcimod/dma"
	"github.com/kernelcore/xhcimod/internal/regio"
)

// Controller owns one xHCI host controller instance: its BAR window,
// command ring, per-interrupter event rings, pending-command table,
// and slot/endpoint bookkeeping.
//
// lockCmd is the single coarse lock spec §5 calls for: it serializes
// command-ring insertion, the pending-command table, the endpoint map,
// and the slot-data vector, since xHCI controllers are typically few
// and contention is expected to stay low.
type Controller struct {
	lockCmd sync.Mutex

	region *dma.Region

	bar     uint // BAR0 base address
	capLen  uint8
	rtsoff  uint
	dboff   uint

	csz ContextSize

	// inputSlab pools the transient input contexts that Address
	// Device, Evaluate Context, and hub-port-count commands build and
	// discard once the command completes.
	inputSlab *dma.Slab

	maxSlots        int
	maxInterrupters int
	maxPorts        int

	dcbaa       *DeviceContextArray
	cmdRing     *Ring
	pending     PendingTable
	interrupters []*eventRing

	slots map[int]*slotRecord
	eps   map[epKey]*Ring
}

type slotRecord struct {
	parentSlot int
	port       int
	hub        bool
	multiTT    bool
	route      uint32
	state      slotState
}

type slotState int

const (
	slotStarting slotState = iota
	slotAddressed
	slotConfigured
	slotExited
)

type epKey struct {
	slot int
	ep   int
}

type eventRing struct {
	ring       *Ring
	segTabAddr uint
	cycle      bool
	next       int
}

// NewController constructs a Controller against an already-mapped BAR0
// window of at least 4 KiB, backed by region for all DMA allocations
// the init protocol performs (DCBAA, command ring, event rings).
func NewController(region *dma.Region, bar uint) *Controller {
	return &Controller{
		region: region,
		bar:    bar,
		slots:  make(map[int]*slotRecord),
		eps:    make(map[epKey]*Ring),
	}
}

// Init runs the xHCI initialization protocol, spec §4.5 steps 1-10:
// capability discovery, legacy hand-off, controller reset, DCBAA and
// command-ring setup, one event ring per interrupter up to
// min(max_interrupters, cpuCount), interrupt routing, and finally
// running the controller. Init does not reset root-hub ports or start
// enumeration; EnumeratePort does that for one port per call.
//
// Interrupt routing (step 9) tries MSI-X first: cfg reaches the
// controller's PCI configuration space and apicIDs names one LAPIC ID
// per CPU to spread interrupters across. If cfg is nil or carries no
// MSI-X capability, Init falls back to a single pin-based interrupter
// routed through ioapic at the given pin; either may be nil for a
// controller with no interrupt routing available, which then relies on
// polling.
func (c *Controller) Init(cpuCount int, cfg PCIConfig, apicIDs []uint32, ioapic IOAPIC, pin int) error {
	c.capLen = uint8(regio.Read(c.cap(capLength)) & 0xff)

	if err := c.waitCNR(); err != nil {
		return err
	}

	if err := c.legacyHandoff(); err != nil {
		return err
	}

	if err := c.resetController(); err != nil {
		return err
	}

	hcs1 := regio.Read(c.cap(hcsParams1))
	c.maxSlots = int(hcs1 & 0xff)
	c.maxInterrupters = int((hcs1 >> 8) & 0x7ff)
	c.maxPorts = int((hcs1 >> 24) & 0xff)

	hcc1 := regio.Read(c.cap(hccParams1))
	if hcc1&(1<<2) != 0 {
		c.csz = Context64
	} else {
		c.csz = Context32
	}

	// one input context (input control + slot + 31 endpoint contexts,
	// 33 strides) per slot the
	// controller supports, the most concurrently in flight.
	slab, err := dma.NewSlab(c.region, uint(c.csz.stride())*33, uint(c.maxSlots), 64)
	if err != nil {
		return err
	}
	c.inputSlab = slab

	c.dboff = uint(regio.Read(c.cap(dboff)) &^ 0x3)
	c.rtsoff = uint(regio.Read(c.cap(rtsoff)) &^ 0x1f)

	if err := c.allocDCBAA(); err != nil {
		return err
	}

	if err := c.allocCommandRing(); err != nil {
		return err
	}

	n := c.maxInterrupters
	if cpuCount < n {
		n = cpuCount
	}
	if n < 1 {
		n = 1
	}

	for i := 0; i < n; i++ {
		er, err := c.allocEventRing(i)
		if err != nil {
			return err
		}
		c.interrupters = append(c.interrupters, er)
	}

	c.routeInterrupts(cfg, apicIDs, ioapic, pin)

	// write-1-to-clear any stale EINT before enabling interrupts
	regio.Write(c.opOff(usbSts), stsEINT)
	regio.Or(c.opOff(usbCmd), cmdINTE)
	regio.Or(c.opOff(usbCmd), cmdRunStop)

	if !regio.WaitFor(5*time.Second, c.opOff(usbSts), 0, 1, 0) {
		return errTimeout("run/stop did not clear HCH")
	}

	return nil
}

func (c *Controller) legacyHandoff() error {
	xecp := (regio.Read(c.cap(hccParams1)) >> 16) & 0xffff
	if xecp == 0 {
		return nil
	}

	off := c.bar + uint(xecp)*4

	for {
		header := regio.Read(off)
		id := header & 0xff

		const legacyCapID = 1

		if id == legacyCapID {
			regio.Or(off, 1<<24) // OS-owned semaphore

			if !regio.WaitFor(time.Second, off, 16, 1, 0) {
				return errTimeout("BIOS did not release legacy ownership")
			}

			break
		}

		next := (header >> 8) & 0xff
		if next == 0 {
			break
		}
		off += uint(next) * 4
	}

	return nil
}

func (c *Controller) resetController() error {
	regio.Clear(c.opOff(usbCmd), 0) // clear Run/Stop

	if !regio.WaitFor(5*time.Second, c.opOff(usbSts), 0, 1, 1) {
		return errTimeout("HC did not halt")
	}

	regio.Set(c.opOff(usbCmd), 1) // HC Reset

	if !regio.WaitFor(5*time.Second, c.opOff(usbCmd), 1, 1, 0) {
		return errTimeout("HC reset did not self-clear")
	}

	return c.waitCNR()
}

func (c *Controller) allocDCBAA() error {
	entries := c.maxSlots
	addr, buf := c.region.Reserve(entries*8, 64)
	for i := range buf {
		buf[i] = 0
	}

	c.dcbaa = &DeviceContextArray{base: addr, size: c.csz}

	regio.Write64(c.opOff(dcbaap), uint64(addr))

	return nil
}

func (c *Controller) allocCommandRing() error {
	const commandRingSlots = 256

	ring, err := NewRing(c.region, commandRingSlots)
	if err != nil {
		return err
	}
	ring.ReserveLink()

	c.cmdRing = ring

	// CRCR bit 0 is Ring Cycle State, matching the ring's initial
	// producer cycle of 1.
	regio.Write64(c.opOff(crcr), uint64(ring.PhysBase())|1)

	return nil
}

const eventRingSlots = 256 // one 4 KiB page of 16-byte TRBs

func (c *Controller) allocEventRing(n int) (*eventRing, error) {
	ring, err := NewRing(c.region, eventRingSlots)
	if err != nil {
		return nil, err
	}
	// event rings have no link TRB; the controller wraps implicitly.

	segAddr, segBuf := c.region.Reserve(16, 64)
	// one-entry Event Ring Segment Table: {base u64, size u32, rsvd u32}
	putU64(segBuf[0:8], uint64(ring.PhysBase()))
	putU32(segBuf[8:12], eventRingSlots)
	putU32(segBuf[12:16], 0)

	rt := interrupter0 + uint(n)*interrupterSz

	regio.Write(c.rtOff(rt+0x08), 1)             // ERSTSZ
	regio.Write64(c.rtOff(rt+0x10), uint64(segAddr)) // ERSTBA
	regio.Write64(c.rtOff(rt+0x18), uint64(ring.PhysBase())) // ERDP
	regio.SetN(c.rtOff(rt+0x04), 0, 0xffff, 1000) // IMOD ~250us coalescing
	regio.Or(c.rtOff(rt+0x00), imanIE)

	return &eventRing{ring: ring, segTabAddr: segAddr, cycle: true}, nil
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// RingDoorbell writes target to doorbell index, the release signal
// that publishes every TRB inserted into that ring since the last
// doorbell write (spec §4.5 doorbell semantics). Index 0 is the
// command ring; 1..max_slots are per-slot, with target low byte
// OUT->2n, IN->2n+1, control->1, and the stream ID OR'd into the high
// 16 bits.
func (c *Controller) RingDoorbell(index int, target uint8, streamID uint16) {
	v := uint32(target) | uint32(streamID)<<16
	regio.Write(c.dbOff(uint(index)*doorbellEntrySize), v)
}
