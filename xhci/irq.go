package xhci

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/kernelcore/xhcimod/internal/regio"
)

// interrupt carries the USBSTS bits observed by the top half to the
// CPU-local worker that runs the bottom half.
type interrupt struct {
	statusBits uint32
}

// StartWorkers launches one bottom-half worker per interrupter, routed
// one-per-CPU as spec §4.5 step 9 and §5 require ("two CPUs may never
// consume the same interrupter"), supervised by an errgroup so a
// worker's returned error surfaces through the group's Wait instead of
// silently dropping interrupt service for its CPU. The group does not
// recover panics.
//
// Grounded on amd64/irq.go's ServiceInterrupts park-until-woken loop
// for the top/bottom-half split, and on amd64/smp.go's per-CPU task
// model for routing one interrupter per CPU.
func (c *Controller) StartWorkers(ctx context.Context) (*errgroup.Group, []chan interrupt) {
	g, ctx := errgroup.WithContext(ctx)

	chans := make([]chan interrupt, len(c.interrupters))

	for i := range c.interrupters {
		i := i
		ch := make(chan interrupt, 8)
		chans[i] = ch

		g.Go(func() error {
			return c.bottomHalf(ctx, i, ch)
		})
	}

	return g, chans
}

// TopHalf acknowledges hardware interrupt bits (write-1-to-clear on
// EINT/HSE/PCD/SRE) and enqueues a work item to the owning
// interrupter's worker. It must not touch the pending-command table or
// any ring, keeping the interrupt-disabled window short, per spec §5.
func (c *Controller) TopHalf(interrupterIdx int, ch chan<- interrupt) {
	bits := regio.Read(c.opOff(usbSts))
	regio.Write(c.opOff(usbSts), bits&(stsEINT|stsHSE|stsPCD|stsSRE))

	select {
	case ch <- interrupt{statusBits: bits}:
	default:
		log.Printf("xhci: interrupter %d work queue full, dropping notification", interrupterIdx)
	}
}

func (c *Controller) bottomHalf(ctx context.Context, idx int, ch <-chan interrupt) error {
	er := c.interrupters[idx]
	rt := interrupter0 + uint(idx)*interrupterSz

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			if regio.Get(c.rtOff(rt), 0, 1) == 1 {
				regio.Set(c.rtOff(rt), 0)
			}

			c.drainEventRing(er)

			erdp := uint64(er.ring.PhysBase()) + uint64(er.next)*TRBSize
			regio.Write64(c.rtOff(rt+0x18), erdp|1<<3) // EHB
		}
	}
}

// drainEventRing consumes every TRB whose cycle bit equals the
// consumer's expected cycle, dispatching each to pending-command
// lookup or port-status handling, per spec §4.5 event dispatch. It is
// single-threaded per interrupter by construction (one worker per
// CPU), so no lock is needed on the event ring itself.
func (c *Controller) drainEventRing(er *eventRing) {
	for {
		t := er.ring.SlotAt(er.next)

		if t.Cycle() != er.cycle {
			return
		}

		c.dispatchEvent(t)

		er.next++
		if er.next == eventRingSlots {
			er.next = 0
			er.cycle = !er.cycle
		}
	}
}

func (c *Controller) dispatchEvent(t *TRB) {
	switch t.Type() {
	case TypeTransferEvent, TypeCommandCompletion:
		addr := t.Parameter()

		if iocp, ok := c.pending.Lookup(addr); ok {
			c.pending.Remove(addr)

			code := t.CompletionCode()
			slotID := uint8(t.ControlWord() >> 24)
			remaining := t.Status() & 0xffffff

			iocp.Invoke(code, slotID, remaining)
		}

	case TypePortStatusChange:
		port := int(t.Parameter() >> 24)
		off := c.portOff(port)

		bits := regio.Read(off)
		regio.Write(off, bits&portCSC)

	default:
		// MFINDEX wrap and doorbell events carry no referenced TRB and
		// require no further action here.
	}
}
