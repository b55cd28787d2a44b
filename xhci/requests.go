package xhci

// GetDescriptor issues a standard GET_DESCRIPTOR control request
// (bmRequestType 0x80, bRequest 6) for the given descriptor type and
// index, reading len(buf) bytes into buf.
func (c *Controller) GetDescriptor(slot int, descType uint8, index uint8, buf []byte) error {
	addr, dmaBuf := c.region.Reserve(len(buf), 8)
	defer c.region.Release(addr)

	setup := SetupPacket{
		RequestType: 0x80,
		Request:     6,
		Value:       uint16(descType)<<8 | uint16(index),
		Index:       0,
		Length:      uint16(len(buf)),
	}

	iocp := NewIOCP(1)

	if err := c.SubmitControlTransfer(slot, setup, TRTIn, uint64(addr), len(buf), iocp); err != nil {
		return err
	}

	iocp.Wait()

	if err := completionErrno(iocp.CompletionCode); err != nil {
		return err
	}

	copy(buf, dmaBuf)

	return nil
}
