// Package vmm models the demand-paged mapped-device backing store:
// block-granular lazy page population behind a flat byte-addressed
// view, the hosted-Go stand-in for an MMU fault handler populating a
// mapped device's backing pages on first touch.
//
// Grounded on the teacher's dma/block.go block/offset bookkeeping style
// (fixed block size, offset-relative read/write) and on spec.md's
// mapped-device fault contract, which this package implements as
// io.ReaderAt/io.WriterAt instead of an MMU trap — consistent with
// spec.md's explicit non-goal of not prescribing an MMU paging format.
package vmm

import (
	"sync"

	"github.com/kernelcore/xhcimod/errno"
)

// FaultFunc populates the block at the given block index the first time
// it is touched. It returns exactly blockSize bytes.
type FaultFunc func(block int64) ([]byte, error)

// Range is a block-granular, demand-populated byte range. Blocks are
// cached after their first FaultFunc call and are never evicted; Sync
// writes dirty blocks back through WriteBack and keeps them cached.
type Range struct {
	mu sync.Mutex

	size      int64
	blockSize int64
	fault     FaultFunc
	writeBack func(block int64, data []byte) error

	blocks map[int64][]byte
	dirty  map[int64]bool
}

// NewRange constructs a Range of the given total size, populated in
// blockSize chunks via fault. writeBack may be nil for a read-only
// range, in which case Sync of a dirty block returns EInval.
func NewRange(size, blockSize int64, fault FaultFunc, writeBack func(block int64, data []byte) error) *Range {
	return &Range{
		size:      size,
		blockSize: blockSize,
		fault:     fault,
		writeBack: writeBack,
		blocks:    make(map[int64][]byte),
		dirty:     make(map[int64]bool),
	}
}

func (r *Range) blockFor(off int64) (block int64, within int64) {
	return off / r.blockSize, off % r.blockSize
}

func (r *Range) get(block int64) ([]byte, error) {
	if b, ok := r.blocks[block]; ok {
		return b, nil
	}

	b, err := r.fault(block)
	if err != nil {
		return nil, err
	}

	if int64(len(b)) != r.blockSize {
		return nil, errno.EInval
	}

	r.blocks[block] = b

	return b, nil
}

// ReadAt implements io.ReaderAt over the demand-paged range, faulting in
// whichever blocks the read spans.
func (r *Range) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= r.size {
		return 0, errno.EFault
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for n < len(p) {
		cur := off + int64(n)
		if cur >= r.size {
			break
		}

		block, within := r.blockFor(cur)

		b, err := r.get(block)
		if err != nil {
			return n, err
		}

		c := copy(p[n:], b[within:])
		n += c
	}

	return n, nil
}

// WriteAt implements io.WriterAt, faulting in target blocks before
// mutating them and marking them dirty for the next Sync.
func (r *Range) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= r.size {
		return 0, errno.EFault
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for n < len(p) {
		cur := off + int64(n)
		if cur >= r.size {
			break
		}

		block, within := r.blockFor(cur)

		b, err := r.get(block)
		if err != nil {
			return n, err
		}

		c := copy(b[within:], p[n:])
		n += c
		r.dirty[block] = true
	}

	return n, nil
}

// Sync writes back every dirty block through writeBack and clears the
// dirty set. It does not evict clean blocks from the cache.
func (r *Range) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.dirty) == 0 {
		return nil
	}

	if r.writeBack == nil {
		return errno.EInval
	}

	for block := range r.dirty {
		if err := r.writeBack(block, r.blocks[block]); err != nil {
			return err
		}

		delete(r.dirty, block)
	}

	return nil
}

// Size returns the total addressable size of the range.
func (r *Range) Size() int64 {
	return r.size
}
