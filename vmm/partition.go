package vmm

import "io"

// Partition wraps a Range to expose a flat io.ReaderAt view a
// filesystem driver can mount directly, treating the entire on-disk
// partition as a flat byte array the way spec.md's mapped-device
// rationale names as the contract's purpose.
type Partition struct {
	rng  *Range
	base int64
}

// NewPartition returns a Partition view starting at byte offset base
// within rng.
func NewPartition(rng *Range, base int64) *Partition {
	return &Partition{rng: rng, base: base}
}

var _ io.ReaderAt = (*Partition)(nil)

// ReadAt implements io.ReaderAt relative to the partition's base offset
// within the underlying Range.
func (p *Partition) ReadAt(buf []byte, off int64) (int, error) {
	return p.rng.ReadAt(buf, p.base+off)
}

// WriteAt implements io.WriterAt relative to the partition's base
// offset within the underlying Range.
func (p *Partition) WriteAt(buf []byte, off int64) (int, error) {
	return p.rng.WriteAt(buf, p.base+off)
}
