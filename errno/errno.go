// Package errno defines the sentinel errors shared by the kernel core
// packages (xhci, elfmod, futex, vmm). Every subsystem returns one of
// these, or wraps one with fmt.Errorf("...: %w", ...), so callers can use
// errors.Is the way a syscall dispatcher must.
//
// The sentinels are golang.org/x/sys/unix's syscall.Errno values
// directly rather than opaque errors.New strings, so a caller that
// needs the real numeric errno (building a syscall return value, for
// instance) can type-assert to unix.Errno instead of re-deriving it
// from a string.
package errno

import "golang.org/x/sys/unix"

var (
	// EAgain indicates a futex wait whose expected value no longer
	// matches the current value of the user word.
	EAgain = unix.EAGAIN

	// ETimedOut indicates a timed wait expired before it was woken.
	ETimedOut = unix.ETIMEDOUT

	// ENoMem indicates resource exhaustion: ring allocation, hash
	// rehash, module image mapping, or slab pool exhaustion.
	ENoMem = unix.ENOMEM

	// EFault indicates a bad user pointer: any copy-from/to user that
	// would fault. Never retried.
	EFault = unix.EFAULT

	// EInval indicates a malformed argument: bad alignment, unknown
	// relocation type, malformed register field.
	EInval = unix.EINVAL

	// ENoExec indicates a malformed or untruncatable ELF image: bad
	// program header size, relocation overflow, bad dynamic entry size.
	ENoExec = unix.ENOEXEC

	// ENoEnt indicates a missing module dependency or an absent table
	// entry whose absence is not itself an error to the caller.
	ENoEnt = unix.ENOENT

	// EDevice wraps a non-success xHCI completion code surfaced to an
	// IOCP waiter.
	EDevice = unix.EIO
)
