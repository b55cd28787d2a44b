package xhci

import (
	"unsafe"

	"testing"

	"github.com/kernelcore/xhcimod/internal/regio"
)

// fakeBAR backs a Controller's BAR0 window with real, GC-pinned memory
// so regio's MMIO accessors operate on valid addresses during tests;
// only the doorbell array at dboff is exercised below.
func fakeBAR(t *testing.T) (bar uint, keepAlive []byte) {
	t.Helper()
	buf := make([]byte, 0x2000)
	return uint(uintptr(unsafe.Pointer(&buf[0]))), buf
}

// TestControlTransferEndToEnd mirrors the enable_slot/set_address/
// get_descriptor flow: a GET_DESCRIPTOR(DEVICE, index 0, len 8) issues
// a 3-TRB control TD on endpoint 0's transfer ring, rings the slot's
// doorbell with target 1 (control endpoint), and completes once a
// transfer event referencing the status TRB's address is dispatched.
func TestControlTransferEndToEnd(t *testing.T) {
	region := newTestRegion(t, 1<<16)
	bar, keepAlive := fakeBAR(t)
	_ = keepAlive

	ep0Ring, err := NewRing(region, 16)
	if err != nil {
		t.Fatal(err)
	}
	ep0Ring.ReserveLink()

	const slot = 7

	c := &Controller{
		region: region,
		bar:    bar,
		dboff:  0x1000,
		slots:  map[int]*slotRecord{slot: {state: slotAddressed, port: 3}},
		eps:    map[epKey]*Ring{{slot: slot, ep: 1}: ep0Ring},
	}

	dataAddr, _ := region.Reserve(8, 8)

	setup := SetupPacket{RequestType: 0x80, Request: 6, Value: descriptorDevice << 8, Length: 8}
	iocp := NewIOCP(1)

	if err := c.SubmitControlTransfer(slot, setup, TRTIn, uint64(dataAddr), 8, iocp); err != nil {
		t.Fatal(err)
	}

	if ep0Ring.Next() != 3 {
		t.Fatalf("next = %d, want 3 (setup, data, status)", ep0Ring.Next())
	}

	doorbell := regio.Read(c.dbOff(uint(slot) * doorbellEntrySize))
	if doorbell != 1 {
		t.Fatalf("doorbell target = %d, want 1 (control endpoint)", doorbell)
	}

	statusAddr := ep0Ring.slotAddr(2)

	var event TRB
	event.SetParameter(uint64(statusAddr))
	event.SetType(TypeTransferEvent)
	event.SetStatus(uint32(completionSuccess) << 24)

	c.dispatchEvent(&event)

	iocp.Wait()

	if iocp.CompletionCode != completionSuccess {
		t.Fatalf("completion code = %d, want success", iocp.CompletionCode)
	}
	if iocp.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", iocp.Remaining)
	}
}
