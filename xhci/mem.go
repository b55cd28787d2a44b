package xhci

import "unsafe"

// trbPointer reinterprets a DMA-region address, already a real Go
// allocation's address per dma.Region's arena-backed contract, as a
// pointer to a TRB slot.
func trbPointer(addr uint) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr))
}
