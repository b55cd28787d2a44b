package xhci

import (
	"github.com/kernelcore/xhcimod/internal/regio"
)

// PCI Capability IDs relevant to xHCI interrupt routing (PCI Code and
// ID Assignment Specification, revision 1.11 §2).
const (
	capMSIX = 0x11

	capabilitiesPointer = 0x34
)

const (
	msixTableEntrySize = 16
	msixEnableBit      = 31

	// msiBaseVector is the first vector this controller's interrupters
	// claim, chosen above apic.MinVector (16) and leaving room below it
	// for platform-reserved vectors.
	msiBaseVector = 0x40
)

// PCIConfig reaches a PCI/PCIe function's configuration space. xHCI
// controllers carry their MSI-X capability in the same Capabilities
// List as any other PCI function (spec §4.5 step 9); this interface
// lets Init walk it without committing to CONFIG_ADDRESS/CONFIG_DATA
// port I/O versus memory-mapped (ECAM) access.
type PCIConfig interface {
	Read(off uint32) uint32
	Write(off uint32, val uint32)
}

// IOAPIC routes one interrupt pin to a fixed vector, the pin-based
// fallback spec §4.5 step 9 calls for when the function has no MSI-X
// capability.
type IOAPIC interface {
	EnableInterrupt(pin int, vector int)
}

type msixCapability struct {
	off         uint32
	tableOffset uint32
	tableBIR    uint32
	tableSize   int
}

// findMSIXCapability walks the PCI Capabilities List for an MSI-X
// entry (capability ID 0x11), the same header/next chain
// pci.Device.Capabilities iterates, stopping at the first match.
func findMSIXCapability(cfg PCIConfig) (*msixCapability, bool) {
	off := cfg.Read(capabilitiesPointer) & 0xff

	for off != 0 {
		header := cfg.Read(off)
		id := header & 0xff
		next := (header >> 8) & 0xff

		if id == capMSIX {
			table := cfg.Read(off + 4)
			msgCtrl := (header >> 16) & 0xffff

			return &msixCapability{
				off:         off,
				tableOffset: table &^ 0x7,
				tableBIR:    table & 0x7,
				tableSize:   int(msgCtrl&0x7ff) + 1,
			}, true
		}

		off = next
	}

	return nil, false
}

// enableVector programs MSI-X table entry n to deliver vector to
// apicID and unmasks it, mirroring pci.CapabilityMSIX.EnableInterrupt's
// BAR-relative table decode. barBase is the already-mapped base of the
// BAR the table's BIR field names; this repository only supports a
// table living in BAR0, the common case for xHCI and the only BAR
// NewController's window addresses.
func (m *msixCapability) enableVector(barBase uint, n int, apicID uint32, vector uint32) {
	entry := barBase + uint(m.tableOffset) + uint(n*msixTableEntrySize)

	// Intel SDM vol 3A §10.11: interrupt message address[19:12] carries
	// the destination LAPIC ID in physical, fixed-delivery mode.
	addr := uint64(0xfee00000) | uint64(apicID)<<12

	regio.Write(entry+0, uint32(addr))
	regio.Write(entry+4, uint32(addr>>32))
	regio.Write(entry+8, vector)
	regio.Write(entry+12, 0) // vector control: unmasked
}

func (m *msixCapability) enable(cfg PCIConfig) {
	cfg.Write(m.off, cfg.Read(m.off)|1<<msixEnableBit)
}

// routeInterrupts implements spec §4.5 step 9: try to allocate one
// MSI-X vector per CPU, one per already-allocated interrupter, routed
// by apicIDs; if the controller has no MSI-X capability, fall back to
// pin-based delivery through ioapic with a single interrupter. cfg is
// nil for controllers with no PCI config-space access, which always
// takes the pin-based path.
func (c *Controller) routeInterrupts(cfg PCIConfig, apicIDs []uint32, ioapic IOAPIC, pin int) {
	if cfg != nil {
		if msix, ok := findMSIXCapability(cfg); ok {
			n := len(c.interrupters)
			if msix.tableSize < n {
				n = msix.tableSize
			}
			c.interrupters = c.interrupters[:n]

			for i := 0; i < n; i++ {
				var apicID uint32
				if i < len(apicIDs) {
					apicID = apicIDs[i]
				}
				msix.enableVector(c.bar, i, apicID, msiBaseVector+uint32(i))
			}

			msix.enable(cfg)
			return
		}
	}

	// Pin-based delivery has exactly one line, so only the first
	// interrupter (already IMAN.IE-enabled by allocEventRing) can ever
	// fire; the rest would never see an MSI they were never sent.
	c.interrupters = c.interrupters[:1]

	if ioapic != nil {
		ioapic.EnableInterrupt(pin, msiBaseVector)
	}
}
