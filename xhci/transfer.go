package xhci

import "github.com/kernelcore/xhcimod/errno"

// Setup packet direction for a control transfer's data stage.
type TransferDirection int

const (
	TRTNoData TransferDirection = 0
	TRTOut    TransferDirection = 2
	TRTIn     TransferDirection = 3
)

const sixtyFourKB = 1 << 16

// SetupPacket is the 8-byte immediate request block carried by a Setup
// Stage TRB.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

func (s SetupPacket) encode() uint64 {
	return uint64(s.RequestType) |
		uint64(s.Request)<<8 |
		uint64(s.Value)<<16 |
		uint64(s.Index)<<32 |
		uint64(s.Length)<<48
}

// splitFragments breaks a physical data range into fragments that
// never cross a 64-KiB boundary, per spec §4.5 data-TRB assembly.
func splitFragments(phys uint64, length int) []struct {
	addr uint64
	size int
} {
	var out []struct {
		addr uint64
		size int
	}

	for length > 0 {
		boundary := (phys/sixtyFourKB + 1) * sixtyFourKB
		chunk := int(boundary - phys)
		if chunk > length {
			chunk = length
		}

		out = append(out, struct {
			addr uint64
			size int
		}{phys, chunk})

		phys += uint64(chunk)
		length -= chunk
	}

	return out
}

// SubmitControlTransfer assembles and inserts a setup TRB, zero or more
// data TRBs, and a status TRB onto ep0's transfer ring, then rings the
// doorbell once all TRBs are published — the doorbell write is the
// release signal per spec §4.5's "doorbell is the release signal that
// publishes all inserted TRBs" rule, so it must happen after every
// Insert call, never interleaved.
func (c *Controller) SubmitControlTransfer(slot int, setup SetupPacket, dir TransferDirection, dataPhys uint64, dataLen int, iocp *IOCP) error {
	ring, ok := c.eps[epKey{slot: slot, ep: 1}]
	if !ok {
		return errno.EInval
	}

	c.lockCmd.Lock()
	defer c.lockCmd.Unlock()

	var setupTRB TRB
	setupTRB.SetParameter(setup.encode())
	setupTRB.SetStatus(uint32(8))
	setupTRB.SetType(TypeSetupStage)
	setupTRB.SetControlBits(FlagImmediateData)
	setupTRB.SetControlBits(uint32(dir) << 16)

	ring.Insert(&setupTRB, nil, nil)

	if dataLen > 0 {
		frags := splitFragments(dataPhys, dataLen)

		for i, f := range frags {
			var data TRB
			data.SetParameter(f.addr)
			data.SetStatus(uint32(f.size))
			data.SetTDSize(len(frags) - i - 1)
			data.SetType(TypeDataStage)

			if i == 0 {
				dataDir := uint32(1)
				if dir == TRTOut {
					dataDir = 0
				}
				data.SetControlBits(dataDir << 16)
			}

			if i < len(frags)-1 {
				data.SetControlBits(FlagChain)
			}

			ring.Insert(&data, nil, nil)
		}
	}

	var status TRB
	status.SetType(TypeStatusStage)
	status.SetControlBits(FlagIOC)
	if dir == TRTOut || dir == TRTNoData {
		status.SetControlBits(1 << 16) // IN direction on status stage ack
	}

	addr := ring.Insert(&status, iocp, &c.pending)

	_ = addr

	c.RingDoorbell(slot, doorbellControlTarget, 0)

	return nil
}

const doorbellControlTarget = 1

// EndpointDoorbellTarget computes the doorbell target byte for a
// non-control endpoint: OUT -> 2n, IN -> 2n+1, per spec §4.5.
func EndpointDoorbellTarget(epNum int, in bool) uint8 {
	v := epNum * 2
	if in {
		v++
	}
	return uint8(v)
}
