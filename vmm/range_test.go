package vmm

import (
	"bytes"
	"testing"
)

func TestReadAtFaultsBlocks(t *testing.T) {
	calls := 0

	rng := NewRange(32, 8, func(block int64) ([]byte, error) {
		calls++
		b := make([]byte, 8)
		for i := range b {
			b[i] = byte(block)
		}
		return b, nil
	}, nil)

	buf := make([]byte, 10)
	n, err := rng.ReadAt(buf, 4)
	if err != nil {
		t.Fatal(err)
	}

	if n != 10 {
		t.Fatalf("n = %d, want 10", n)
	}

	want := []byte{0, 0, 0, 0, 1, 1, 1, 1, 1, 1}
	if !bytes.Equal(buf, want) {
		t.Fatalf("buf = %v, want %v", buf, want)
	}

	if calls != 2 {
		t.Fatalf("fault calls = %d, want 2", calls)
	}

	// re-reading the same blocks must not re-fault
	rng.ReadAt(buf, 4)
	if calls != 2 {
		t.Fatalf("fault calls after cached re-read = %d, want 2", calls)
	}
}

func TestWriteAtThenSync(t *testing.T) {
	written := map[int64][]byte{}

	rng := NewRange(16, 8, func(block int64) ([]byte, error) {
		return make([]byte, 8), nil
	}, func(block int64, data []byte) error {
		cp := make([]byte, len(data))
		copy(cp, data)
		written[block] = cp
		return nil
	})

	rng.WriteAt([]byte{1, 2, 3}, 2)

	if err := rng.Sync(); err != nil {
		t.Fatal(err)
	}

	if _, ok := written[0]; !ok {
		t.Fatal("block 0 was not written back")
	}
}

func TestReadAtOutOfRange(t *testing.T) {
	rng := NewRange(8, 8, func(block int64) ([]byte, error) {
		return make([]byte, 8), nil
	}, nil)

	if _, err := rng.ReadAt(make([]byte, 1), 100); err == nil {
		t.Fatal("expected error reading out of range")
	}
}
