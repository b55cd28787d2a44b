// Package futex implements the futex/condition-variable primitive pair:
// fast userspace mutual exclusion keyed by physical address so that the
// same shared page mapped at different virtual addresses across
// processes resolves to one wait queue.
//
// Grounded on original_source/kernel/lib/threadsync.c (the
// mutex/condvar pair backing a wait queue) and
// original_source/kernel/syscall/sys_process.cc (futex_wait,
// futex_wake, futex_wake_op, futex_wait_op and the FUTEX_OP_*/
// FUTEX_CMP_* bit-packed op_param). Uses internal/pmap for the
// physical-address-keyed wait-entry table, the same generic table
// xhci.pendingTable instantiates over a different value type.
package futex

import (
	"context"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/kernelcore/xhcimod/errno"
	"github.com/kernelcore/xhcimod/internal/pmap"
)

func unsafePointer(p *int32) unsafe.Pointer {
	return unsafe.Pointer(p)
}

// Op/cmp encodings for the op_param argument to WakeOp/WaitOp, matching
// original_source's FUTEX_OP(op, oparg, cmp, cmparg) packing.
const (
	OpSet  = 0
	OpAdd  = 1
	OpOr   = 2
	OpAndN = 3
	OpXor  = 4

	opArgShift = 8

	CmpEq = 0
	CmpNE = 1
	CmpLT = 2
	CmpLE = 3
	CmpGT = 4
	CmpGE = 5
)

// EncodeOp packs an operation, its argument, a comparison, and the
// comparison argument into a single op_param word the way
// FUTEX_OP(op, oparg, cmp, cmparg) does.
func EncodeOp(op, oparg, cmp, cmparg int) int32 {
	return int32(((op & 0xf) << 28) | ((cmp & 0xf) << 24) | ((oparg & 0xfff) << 12) | (cmparg & 0xfff))
}

func decodeOp(n int32) (op, oparg, cmp, cmparg int) {
	cmparg = int(n & 0xfff)

	shifted := uint32(n) << 8
	oparg = int(int32(shifted)) >> 20

	cmp = int((n >> 24) & 0xf)
	op = int((n >> 28) & 0xf)

	return
}

func applyOp(value int32, op, oparg int) int32 {
	if op&opArgShift != 0 {
		op -= opArgShift
		oparg = 1 << uint(oparg)
	}

	switch op {
	case OpSet:
		return int32(oparg)
	case OpAdd:
		return value + int32(oparg)
	case OpOr:
		return value | int32(oparg)
	case OpAndN:
		return value &^ int32(oparg)
	case OpXor:
		return value ^ int32(oparg)
	default:
		return value
	}
}

func applyCmp(value int32, cmp, cmparg int) bool {
	c := int32(cmparg)
	switch cmp {
	case CmpEq:
		return value == c
	case CmpNE:
		return value != c
	case CmpLT:
		return value < c
	case CmpLE:
		return value <= c
	case CmpGT:
		return value > c
	case CmpGE:
		return value >= c
	default:
		return false
	}
}

// PhysResolver resolves a user-space word address to the physical
// address that keys the wait table, standing in for spec.md's "call
// into the MMU to resolve VA->PA". The only resolver in this repository
// is IdentityResolver, used for plain Go-heap-backed addresses in tests.
type PhysResolver func(addr uintptr) (uint64, error)

// IdentityResolver treats the virtual address as already physical,
// suitable only when every waiter shares one address space.
func IdentityResolver(addr uintptr) (uint64, error) {
	return uint64(addr), nil
}

type waitEntry struct {
	mu        sync.Mutex
	cond      *sync.Cond
	waiters   int
	wakeCount int

	// arrived is a monotonically increasing ticket counter, distinct
	// from waiters (which decrements on departure): each parked waiter
	// takes the next ticket on arrival so a Wake(n) only satisfies the
	// n earliest-arrived tickets, giving FIFO wake order even when
	// several waiters park before any Wake happens.
	arrived int
}

// Table is a futex wait-queue table, keyed by physical address via
// Resolve. The zero value is not usable; construct with NewTable.
type Table struct {
	mu      sync.Mutex
	entries pmap.Table[uint64, *waitEntry]
	Resolve PhysResolver
}

// NewTable constructs a futex table using resolve to turn user
// addresses into physical wait-queue keys.
func NewTable(resolve PhysResolver) *Table {
	if resolve == nil {
		resolve = IdentityResolver
	}
	return &Table{Resolve: resolve}
}

func (t *Table) lookupOrCreate(phys uint64) *waitEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ent, ok := t.entries.Lookup(phys); ok {
		return ent
	}

	ent := &waitEntry{}
	ent.cond = sync.NewCond(&ent.mu)
	t.entries.Insert(phys, ent)

	return ent
}

func (t *Table) release(phys uint64, ent *waitEntry) {
	ent.mu.Lock()
	empty := ent.waiters == 0
	ent.mu.Unlock()

	if !empty {
		return
	}

	t.mu.Lock()
	t.entries.Delete(phys)
	t.mu.Unlock()
}

// Wait blocks while *uaddr == expect, returning when woken, when ctx is
// done, or immediately with EAgain if the value has already changed.
// uaddr must point at live memory; it is read once under the entry lock
// to avoid missing a wake that raced ahead of the check.
func Wait(ctx context.Context, t *Table, uaddr *int32, expect int32) error {
	phys, err := t.Resolve(uintptr(unsafePointer(uaddr)))
	if err != nil {
		return err
	}

	ent := t.lookupOrCreate(phys)

	ent.mu.Lock()

	if atomic.LoadInt32(uaddr) != expect {
		ent.mu.Unlock()
		t.release(phys, ent)
		return errno.EAgain
	}

	ent.waiters++
	ticket := ent.arrived
	ent.arrived++
	target := ticket + 1

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			ent.mu.Lock()
			ent.cond.Broadcast()
			ent.mu.Unlock()
		case <-done:
		}
	}()

	for ent.wakeCount < target {
		if ctx.Err() != nil {
			ent.waiters--
			ent.mu.Unlock()
			close(done)
			t.release(phys, ent)
			return ctx.Err()
		}
		ent.cond.Wait()
	}

	ent.waiters--
	ent.mu.Unlock()
	close(done)

	t.release(phys, ent)

	return nil
}

// Wake wakes up to n waiters blocked on uaddr, returning the number
// woken. Waking an address nobody waits on is not an error.
func Wake(t *Table, uaddr *int32, n int) (int, error) {
	phys, err := t.Resolve(uintptr(unsafePointer(uaddr)))
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	ent, ok := t.entries.Lookup(phys)
	t.mu.Unlock()

	if !ok {
		return 0, nil
	}

	ent.mu.Lock()
	woken := n
	if ent.waiters < woken {
		woken = ent.waiters
	}
	ent.wakeCount += woken
	ent.mu.Unlock()

	ent.cond.Broadcast()

	return woken, nil
}

// WakeOp performs the atomic uaddr2 = uaddr2 op oparg update, then wakes
// up to wake waiters on uaddr and, if the comparison encoded in opParam
// holds against the update's old value, up to wake2 waiters on uaddr2.
func WakeOp(t *Table, uaddr, uaddr2 *int32, wake, wake2 int, opParam int32) (int, error) {
	op, oparg, cmp, cmparg := decodeOp(opParam)

	var old int32

	for {
		old = atomic.LoadInt32(uaddr2)
		replacement := applyOp(old, op, oparg)

		if atomic.CompareAndSwapInt32(uaddr2, old, replacement) {
			break
		}
	}

	total, err := Wake(t, uaddr, wake)
	if err != nil {
		return total, err
	}

	if applyCmp(old, cmp, cmparg) {
		n2, err := Wake(t, uaddr2, wake2)
		if err != nil {
			return total, err
		}
		total += n2
	}

	return total, nil
}

// WaitOp atomically applies op to *lock (the mutex word), wakes up to
// wake waiters on lock, and then waits on cond — the primitive backing
// a condition-variable's unlock-then-wait. Matches
// original_source's futex_wait_op ordering: the lock release and the
// wake happen before this goroutine starts waiting on cond, so a
// waiter can never observe the lock held with nobody able to wake it.
func WaitOp(ctx context.Context, t *Table, lock *int32, opParam int32, cond *int32, wake int) error {
	op, oparg, _, _ := decodeOp(opParam)

	for {
		old := atomic.LoadInt32(lock)
		replacement := applyOp(old, op, oparg)

		if atomic.CompareAndSwapInt32(lock, old, replacement) {
			break
		}
	}

	if _, err := Wake(t, lock, wake); err != nil {
		return err
	}

	expect := atomic.LoadInt32(cond)

	return Wait(ctx, t, cond, expect)
}
