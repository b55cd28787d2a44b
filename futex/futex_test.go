package futex

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kernelcore/xhcimod/errno"
)

func TestWakeWakesWaiter(t *testing.T) {
	tbl := NewTable(IdentityResolver)

	var word int32

	woke := make(chan error, 1)
	go func() {
		woke <- Wait(context.Background(), tbl, &word, 0)
	}()

	time.Sleep(20 * time.Millisecond)

	atomic.StoreInt32(&word, 1)
	if _, err := Wake(tbl, &word, 1); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-woke:
		if err != nil {
			t.Fatalf("Wait returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after Wake")
	}
}

func TestWaitStaleValueReturnsEAgain(t *testing.T) {
	tbl := NewTable(IdentityResolver)

	var word int32 = 5

	err := Wait(context.Background(), tbl, &word, 0)
	if err != errno.EAgain {
		t.Fatalf("Wait with stale expect = %v, want EAgain", err)
	}
}

func TestWakeWakesOnlyRequestedCountInFIFOOrder(t *testing.T) {
	tbl := NewTable(IdentityResolver)

	var word int32
	const waiters = 3

	woke := make([]chan error, waiters)
	for i := range woke {
		woke[i] = make(chan error, 1)
		i := i
		go func() {
			woke[i] <- Wait(context.Background(), tbl, &word, 0)
		}()
	}

	// give every goroutine a chance to park and take its arrival
	// ticket before any Wake call, the ordinary case of several
	// threads blocking on one futex ahead of a single release.
	time.Sleep(50 * time.Millisecond)

	if _, err := Wake(tbl, &word, 1); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-woke[0]:
		if err != nil {
			t.Fatalf("first waiter returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("first waiter never woken")
	}

	select {
	case <-woke[1]:
		t.Fatal("second waiter woken by a Wake(n=1) meant for the first")
	case <-woke[2]:
		t.Fatal("third waiter woken by a Wake(n=1) meant for the first")
	case <-time.After(50 * time.Millisecond):
		// expected: neither later waiter has been released yet
	}

	if _, err := Wake(tbl, &word, 2); err != nil {
		t.Fatal(err)
	}

	for i := 1; i < waiters; i++ {
		select {
		case err := <-woke[i]:
			if err != nil {
				t.Fatalf("waiter %d returned %v", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never woken by second Wake", i)
		}
	}
}

func TestWakeOpAppliesUpdateAndWakesSecondary(t *testing.T) {
	tbl := NewTable(IdentityResolver)

	var a, b int32

	wokeB := make(chan error, 1)
	go func() {
		wokeB <- Wait(context.Background(), tbl, &b, 0)
	}()

	time.Sleep(20 * time.Millisecond)

	op := EncodeOp(OpSet, 1, CmpEq, 9)
	atomic.StoreInt32(&b, 9)

	n, err := WakeOp(tbl, &a, &b, 0, 1, op)
	if err != nil {
		t.Fatal(err)
	}

	if atomic.LoadInt32(&b) != 1 {
		t.Fatalf("b = %d, want 1", b)
	}

	if n != 1 {
		t.Fatalf("woken = %d, want 1", n)
	}

	select {
	case err := <-wokeB:
		if err != nil {
			t.Fatalf("Wait(b) returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("secondary waiter never woken by WakeOp")
	}
}
