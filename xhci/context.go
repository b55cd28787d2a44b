package xhci

import (
	"github.com/kernelcore/xhcimod/errno"
	"github.com/kernelcore/xhcimod/internal/regio"
)

// ContextSize distinguishes the 32-byte and 64-byte device/input
// context layouts selected by HCCPARAMS1.CSZ. Spec §3 requires that
// every slot/endpoint-context accessor go through a stride selected
// once at controller init; mixing strides is a hard error, enforced
// here by making ContextSize the only place stride is computed.
type ContextSize int

const (
	Context32 ContextSize = 32
	Context64 ContextSize = 64
)

// stride returns the per-context-entry byte stride: a context region
// holds a slot context followed by up to 31 endpoint contexts, each 32
// bytes apart in the 32-byte layout and 64 bytes apart (the second 32
// reserved) in the 64-byte layout, per xHCI §6.2.1.
func (c ContextSize) stride() uint {
	return uint(c)
}

// DeviceContextArray is the Device-Context Base-Address Array (DCBAA):
// max_slots 64-bit physical-address entries, indexed by slot ID. Entry
// 0 is left zero: Init does not read the controller's scratchpad-buffer
// count and allocates no scratchpad buffers.
type DeviceContextArray struct {
	base uint
	size ContextSize
}

// SetEntry writes a 64-bit physical address into DCBAA[slot].
func (d *DeviceContextArray) SetEntry(slot int, phys uint64) {
	regio.Write64(d.base+uint(slot)*8, phys)
}

// Entry reads DCBAA[slot].
func (d *DeviceContextArray) Entry(slot int) uint64 {
	return regio.Read64(d.base + uint(slot)*8)
}

// SlotContext is an accessor over the first contextSize bytes of a
// device or input context, field offsets per xHCI §6.2.2.
type SlotContext struct {
	base uint
	size ContextSize
}

func (s SlotContext) RouteString() uint32    { return regio.Get(s.base, 0, 0xfffff) }
func (s SlotContext) SetRouteString(v uint32) { regio.SetN(s.base, 0, 0xfffff, v) }
func (s SlotContext) SpeedBits() uint32       { return regio.Get(s.base, 20, 0xf) }
func (s SlotContext) RootHubPort() uint32     { return regio.Get(s.base+4, 16, 0xff) }
func (s SlotContext) SetRootHubPort(v uint32) { regio.SetN(s.base+4, 16, 0xff, v) }
func (s SlotContext) SlotState() uint32       { return regio.Get(s.base+12, 27, 0x1f) }

// EndpointContext is the accessor for one endpoint context (1..31)
// within a device/input context; Context.Endpoint builds it at the
// stride CSZ selects.
type EndpointContext struct {
	base uint
}

func (e EndpointContext) EPState() uint32        { return regio.Get(e.base, 0, 0x7) }
func (e EndpointContext) MaxPacketSize() uint32  { return regio.Get(e.base+4, 16, 0xffff) }
func (e EndpointContext) SetMaxPacketSize(v uint32) {
	regio.SetN(e.base+4, 16, 0xffff, v)
}
func (e EndpointContext) SetTRDequeuePtr(phys uint64, dcs bool) {
	v := phys &^ 0xf
	if dcs {
		v |= 1
	}
	regio.Write64(e.base+8, v)
}

// Context wraps a device or input context base address with the
// stride its controller requires, and is the only type through which
// slot/endpoint sub-accessors should be obtained.
type Context struct {
	base uint
	size ContextSize
}

// NewContext returns a Context view at base using the given stride.
func NewContext(base uint, size ContextSize) (*Context, error) {
	if size != Context32 && size != Context64 {
		return nil, errno.EInval
	}
	return &Context{base: base, size: size}, nil
}

// Slot returns the slot-context accessor, always at context offset 0.
func (c *Context) Slot() SlotContext {
	return SlotContext{base: c.base, size: c.size}
}

// Endpoint returns the accessor for endpoint context index ep, 1..31,
// at stride-scaled offset ep*size from the context base.
func (c *Context) Endpoint(ep int) EndpointContext {
	return EndpointContext{base: c.base + uint(ep)*c.size.stride()}
}

// InputControl is the input-control header prefixing an input context,
// carrying add/drop bitmaps that select which endpoint contexts a
// configure/evaluate command installs.
type InputControl struct {
	base uint
}

func (i InputControl) DropBits() uint32     { return regio.Read(i.base) }
func (i InputControl) SetDropBits(v uint32) { regio.Write(i.base, v) }
func (i InputControl) AddBits() uint32      { return regio.Read(i.base + 4) }
func (i InputControl) SetAddBits(v uint32)  { regio.Write(i.base+4, v) }

// InputContext mirrors a device context but is prefixed by an
// input-control header occupying one context-sized slot, per xHCI
// §6.2.5.
type InputContext struct {
	Context
}

// NewInputContext returns an InputContext view at base using the given
// stride; the device-context portion starts one stride past base.
func NewInputContext(base uint, size ContextSize) (*InputContext, error) {
	ctx, err := NewContext(base+size.stride(), size)
	if err != nil {
		return nil, err
	}
	return &InputContext{Context: *ctx}, nil
}

// Control returns the input-control header accessor, at the context
// base (one stride before the device-context portion).
func (c *InputContext) Control() InputControl {
	return InputControl{base: c.base - c.size.stride()}
}
