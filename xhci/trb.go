// Package xhci implements an xHCI (Extensible Host Controller Interface)
// USB host controller driver: ring-based DMA command/transfer/event
// queues, device enumeration, and IRQ-to-worker dispatch.
//
// Grounded on the teacher's kvm/virtio/descriptor.go split-virtqueue
// design (Descriptor/Available/Used/VirtualQueue) for the ring
// producer/consumer shape, and on soc/intel/pci (BAR/MSI-X) and
// soc/intel/apic (IOAPIC/LAPIC) for controller discovery and interrupt
// routing. TRB field layout and the initialization sequence below are
// unchanged from the xHCI specification as distilled.
package xhci

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// TRBSize is the fixed size in bytes of every Transfer Request Block.
const TRBSize = 16

// TRB is a 16-byte, four-word little-endian descriptor used on every
// command, transfer, and event ring.
type TRB [TRBSize]byte

// trb type values occupying bits 10..15 of word 3.
const (
	TypeNormal            = 1
	TypeSetupStage        = 2
	TypeDataStage         = 3
	TypeStatusStage       = 4
	TypeLink              = 6
	TypeEnableSlot        = 9
	TypeAddressDevice     = 11
	TypeConfigureEndpoint = 12
	TypeEvaluateContext   = 13
	TypeResetEndpoint     = 14
	TypeStopEndpoint      = 15
	TypeSetTRDequeuePtr   = 16
	TypeTransferEvent     = 32
	TypeCommandCompletion = 33
	TypePortStatusChange  = 34
)

func (t *TRB) word(i int) uint32 {
	return binary.LittleEndian.Uint32(t[i*4:])
}

func (t *TRB) setWord(i int, v uint32) {
	binary.LittleEndian.PutUint32(t[i*4:], v)
}

// Cycle returns the TRB's cycle bit, word 3 bit 0.
func (t *TRB) Cycle() bool {
	return t.word(3)&1 == 1
}

// SetCycle sets word 3's cycle bit to the producer cycle, release
// ordered relative to every other field write: callers must write words
// 0..2 first and call SetCycle last, exactly as the ring insert
// algorithm requires.
func (t *TRB) SetCycle(cycle bool) {
	w := t.word(3)
	if cycle {
		w |= 1
	} else {
		w &^= 1
	}

	var le uint32
	binary.LittleEndian.PutUint32((*[4]byte)(unsafe.Pointer(&le))[:], w)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&t[12])), le)
}

// Type returns the TRB type, word 3 bits 10..15.
func (t *TRB) Type() int {
	return int((t.word(3) >> 10) & 0x3f)
}

// SetType sets word 3 bits 10..15 without disturbing the cycle bit or
// other flags already stored there.
func (t *TRB) SetType(typ int) {
	w := t.word(3)
	w = (w &^ (0x3f << 10)) | (uint32(typ&0x3f) << 10)
	t.setWord(3, w)
}

// SetParameter sets words 0 and 1, the 64-bit parameter field carried
// by most TRB types (a pointer, an 8-byte setup packet, and so on).
func (t *TRB) SetParameter(p uint64) {
	t.setWord(0, uint32(p))
	t.setWord(1, uint32(p>>32))
}

// Parameter returns the 64-bit parameter field.
func (t *TRB) Parameter() uint64 {
	return uint64(t.word(0)) | uint64(t.word(1))<<32
}

// SetStatus sets word 2, the status/length field.
func (t *TRB) SetStatus(v uint32) {
	t.setWord(2, v)
}

// Status returns word 2.
func (t *TRB) Status() uint32 {
	return t.word(2)
}

// ControlWord returns word 3 in full, including flags beyond type and
// cycle (chain, IOC, interrupter target, and so on).
func (t *TRB) ControlWord() uint32 {
	return t.word(3)
}

// SetControlBits ORs additional bits into word 3, leaving type and
// cycle untouched by the caller's responsibility to only pass flag
// bits.
func (t *TRB) SetControlBits(bits uint32) {
	t.setWord(3, t.word(3)|bits)
}

// Control/status flag bits living in word 3 alongside type and cycle.
const (
	FlagChain           = 1 << 4
	FlagIOC             = 1 << 5 // interrupt on completion
	FlagIOSP            = 1 << 2 // interrupt on short packet
	FlagToggleCycle     = 1 << 1 // link TRB only
	FlagImmediateData   = 1 << 6 // setup stage only
	interrupterShift    = 22
	trSizeShift         = 17
	trSizeMask          = 0x1f
	completionCodeShift = 24
)

// CompletionCode returns the completion code of an event TRB, word 2
// bits 24..31.
func (t *TRB) CompletionCode() int {
	return int(t.word(2) >> completionCodeShift)
}

// SetInterrupter sets the interrupter target field, word 3 bits
// 22..31, used on the final data TRB of a multi-CPU build to route the
// completion event to the issuing CPU's interrupter.
func (t *TRB) SetInterrupter(n int) {
	w := t.word(3)
	w = (w &^ (0x3ff << interrupterShift)) | (uint32(n) << interrupterShift)
	t.setWord(3, w)
}

// SetTDSize sets the TD Size field (word 2 bits 17..21), the number of
// remaining data-stage TRBs after this one, clamped to the 5-bit field.
func (t *TRB) SetTDSize(remaining int) {
	if remaining > trSizeMask {
		remaining = trSizeMask
	}
	w := t.word(2)
	w = (w &^ (trSizeMask << trSizeShift)) | (uint32(remaining) << trSizeShift)
	t.setWord(2, w)
}
