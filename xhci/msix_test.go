package xhci

import (
	"unsafe"

	"testing"
)

// fakePCIConfig is a flat in-memory PCI configuration space, 32-bit
// aligned offsets only, enough to exercise the Capabilities List walk.
type fakePCIConfig struct {
	space [256]uint32 // indexed by off/4
}

func (f *fakePCIConfig) Read(off uint32) uint32 {
	return f.space[off/4]
}

func (f *fakePCIConfig) Write(off uint32, val uint32) {
	f.space[off/4] = val
}

// withMSIXCapability lays out a single MSI-X capability at off, with
// the given table size and BAR-relative table offset/BIR, and points
// the Capabilities List head at it.
func withMSIXCapability(off uint32, tableSize int, tableOffset uint32, bir uint32) *fakePCIConfig {
	f := &fakePCIConfig{}
	f.Write(capabilitiesPointer, off)
	f.Write(off, uint32(capMSIX)|uint32(tableSize-1)<<16)
	f.Write(off+4, tableOffset&^0x7|bir&0x7)
	return f
}

func TestFindMSIXCapabilityWalksToMatch(t *testing.T) {
	f := &fakePCIConfig{}
	f.Write(capabilitiesPointer, 0x40)
	f.Write(0x40, uint32(0x05)|0x50<<8) // MSI capability, next = 0x50
	f.Write(0x50, uint32(capMSIX)|7<<16)
	f.Write(0x54, 0x2000|1)

	msix, ok := findMSIXCapability(f)
	if !ok {
		t.Fatal("expected to find MSI-X capability")
	}
	if msix.off != 0x50 {
		t.Fatalf("off = %#x, want 0x50", msix.off)
	}
	if msix.tableSize != 8 {
		t.Fatalf("tableSize = %d, want 8", msix.tableSize)
	}
	if msix.tableOffset != 0x2000 {
		t.Fatalf("tableOffset = %#x, want 0x2000", msix.tableOffset)
	}
	if msix.tableBIR != 1 {
		t.Fatalf("tableBIR = %d, want 1", msix.tableBIR)
	}
}

func TestFindMSIXCapabilityAbsentReturnsFalse(t *testing.T) {
	f := &fakePCIConfig{}
	f.Write(capabilitiesPointer, 0x40)
	f.Write(0x40, uint32(0x05)) // MSI only, next = 0

	if _, ok := findMSIXCapability(f); ok {
		t.Fatal("expected no MSI-X capability")
	}
}

func TestRouteInterruptsWithMSIXProgramsOneVectorPerInterrupter(t *testing.T) {
	barBuf := make([]byte, 0x3000)
	bar := uint(uintptr(unsafe.Pointer(&barBuf[0])))

	f := withMSIXCapability(0x50, 4, 0x2000, 0)

	c := &Controller{
		bar: bar,
		interrupters: []*eventRing{
			{}, {}, {}, {}, {},
		},
	}

	c.routeInterrupts(f, []uint32{1, 2, 3}, nil, 0)

	if len(c.interrupters) != 4 {
		t.Fatalf("interrupters = %d, want 4 (trimmed to MSI-X table size)", len(c.interrupters))
	}

	if f.Read(0x50)&(1<<msixEnableBit) == 0 {
		t.Fatal("MSI-X Enable bit was not set")
	}

	table := bar + 0x2000
	for i := 0; i < 4; i++ {
		entry := (*[4]uint32)(unsafe.Pointer(uintptr(table) + uintptr(i*msixTableEntrySize)))
		wantVector := uint32(msiBaseVector + i)
		if entry[2] != wantVector {
			t.Fatalf("entry %d data = %#x, want vector %#x", i, entry[2], wantVector)
		}
		if entry[3] != 0 {
			t.Fatalf("entry %d vector control = %#x, want unmasked (0)", i, entry[3])
		}
	}

	first := (*[4]uint32)(unsafe.Pointer(uintptr(table)))
	if first[0] != 0xfee01000 || first[1] != 0 {
		t.Fatalf("entry 0 address = %#x:%#x, want 0x0:0xfee01000 (apicID 1)", first[1], first[0])
	}
}

type fakeIOAPIC struct {
	pin, vector int
	called      bool
}

func (f *fakeIOAPIC) EnableInterrupt(pin, vector int) {
	f.pin, f.vector, f.called = pin, vector, true
}

func TestRouteInterruptsWithoutMSIXFallsBackToPinBased(t *testing.T) {
	c := &Controller{
		interrupters: []*eventRing{{}, {}, {}},
	}

	ioapic := &fakeIOAPIC{}
	c.routeInterrupts(nil, nil, ioapic, 9)

	if len(c.interrupters) != 1 {
		t.Fatalf("interrupters = %d, want 1 (trimmed to the single pin-routed interrupter)", len(c.interrupters))
	}
	if !ioapic.called {
		t.Fatal("IOAPIC.EnableInterrupt was never called")
	}
	if ioapic.pin != 9 {
		t.Fatalf("pin = %d, want 9", ioapic.pin)
	}
	if ioapic.vector != msiBaseVector {
		t.Fatalf("vector = %d, want %d", ioapic.vector, msiBaseVector)
	}
}
