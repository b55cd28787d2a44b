package xhci

import (
	"fmt"

	"github.com/kernelcore/xhcimod/errno"
)

func errTimeout(stage string) error {
	return fmt.Errorf("xhci: %s: %w", stage, errno.ETimedOut)
}

func errDevice(stage string) error {
	return fmt.Errorf("xhci: %s: %w", stage, errno.EDevice)
}

// completionErrno maps a non-success xHCI completion code to the
// sentinel the caller's IOCP surfaces, per spec §7 ("device error").
func completionErrno(code int) error {
	if code == completionSuccess {
		return nil
	}
	return fmt.Errorf("xhci: completion code %d: %w", code, errno.EDevice)
}

const completionSuccess = 1
