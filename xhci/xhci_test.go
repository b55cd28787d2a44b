package xhci

import (
	"testing"

	"github.com/kernelcore/xhcimod/dma"
)

// newTestRegion returns a fresh DMA region sized for a single test,
// letting each test allocate rings/contexts without sharing state with
// the package-level global region.
func newTestRegion(t *testing.T, size int) *dma.Region {
	t.Helper()
	return dma.NewRegion(size)
}
