// Package ksyscall implements the two syscalls spec.md §6 names in
// full: futex and init_module. mmap/mprotect/munmap/msync/madvise stay
// out of scope, per the module's non-goals; vmm.Range is this
// repository's answer to that surface instead of a syscall wrapper.
//
// Grounded on original_source/kernel/syscall/sys_process.cc's
// sys_futex dispatcher (the FUTEX_WAIT/WAKE/WAKE_OP/WAIT_OP switch and
// its argument remapping into futex_wait/futex_wake/futex_wake_op/
// futex_wait_op) and its param-string handling for init_module.
package ksyscall

import (
	"context"
	"time"
	"unsafe"

	"github.com/kernelcore/xhcimod/elfmod"
	"github.com/kernelcore/xhcimod/errno"
	"github.com/kernelcore/xhcimod/futex"
)

// futex_op values, matching FUTEX_WAIT/WAKE/WAKE_OP/WAIT_OP exactly
// (PRIVATE_FLAG is masked off and ignored, per spec §6).
const (
	opWait       = 0x00000001
	opWake       = 0x00000002
	opWakeOp     = 0x00000003
	opWaitOp     = 0x00000004
	opPrivateFlag = 0x80000000
)

// Dispatcher bundles the futex wait-queue table and module loader a
// kernel's syscall entry points would otherwise reach via globals.
type Dispatcher struct {
	Futexes *futex.Table
	Loader  *elfmod.Loader
}

// NewDispatcher constructs a Dispatcher over the given futex table and
// module loader.
func NewDispatcher(futexes *futex.Table, loader *elfmod.Loader) *Dispatcher {
	return &Dispatcher{Futexes: futexes, Loader: loader}
}

func toInt32Ptr(addr uintptr) *int32 {
	return (*int32)(unsafe.Pointer(addr))
}

// Futex dispatches a futex(2) call: op's low bits select
// WAIT/WAKE/WAKE_OP/WAIT_OP (PRIVATE_FLAG is masked off and ignored);
// val3 carries the WAKE_OP/WAIT_OP op_param. For WAKE_OP, the original
// ABI reuses the timeout argument slot to carry the wake2 count rather
// than an actual duration — timeout's duration value, truncated to an
// int, is that count, matching sys_futex's
// `val2 = int(intptr_t(timeout))` reinterpretation.
func (d *Dispatcher) Futex(op int, uaddr uintptr, val int32, timeout *time.Duration, uaddr2 uintptr, val3 int32) (int, error) {
	op &^= opPrivateFlag

	switch op {
	case opWait:
		ctx := context.Background()
		var cancel context.CancelFunc
		if timeout != nil {
			ctx, cancel = context.WithTimeout(ctx, *timeout)
			defer cancel()
		}

		if err := futex.Wait(ctx, d.Futexes, toInt32Ptr(uaddr), val); err != nil {
			if err == context.DeadlineExceeded {
				return 0, errno.ETimedOut
			}
			return 0, err
		}
		return 0, nil

	case opWake:
		return futex.Wake(d.Futexes, toInt32Ptr(uaddr), int(val))

	case opWakeOp:
		wake2 := 0
		if timeout != nil {
			wake2 = int(*timeout)
		}
		return futex.WakeOp(d.Futexes, toInt32Ptr(uaddr), toInt32Ptr(uaddr2), int(val), wake2, val3)

	case opWaitOp:
		ctx := context.Background()
		var cancel context.CancelFunc
		if timeout != nil {
			ctx, cancel = context.WithTimeout(ctx, *timeout)
			defer cancel()
		}

		if err := futex.WaitOp(ctx, d.Futexes, toInt32Ptr(uaddr2), val3, toInt32Ptr(uaddr), int(val)); err != nil {
			if err == context.DeadlineExceeded {
				return 0, errno.ETimedOut
			}
			return 0, err
		}
		return 0, nil

	default:
		return 0, errno.EInval
	}
}

// InitModule parses params into an argv-style slice (name is not
// prepended) and loads image under name, returning the first missing DT_NEEDED
// name on a dependency failure exactly as elfmod.Loader.Load does.
func (d *Dispatcher) InitModule(image []byte, name string, params string) (missing string, err error) {
	args, err := splitParams(params)
	if err != nil {
		return "", err
	}

	_, missing, err = d.Loader.Load(image, name, args)
	return missing, err
}
