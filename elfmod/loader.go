package elfmod

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/kernelcore/xhcimod/errno"
)

// Loader owns the list of loaded modules and the kernel export table
// every module's undefined symbols resolve against first. Symbol
// lookups take the read lock; Load takes the write lock for the whole
// relocation pass, matching spec §5's "module relocation runs under
// the module list's writer lock" rule.
type Loader struct {
	mu      sync.RWMutex
	export  *ExportTable
	modules []*Module

	// ExecInit, if set, is called once per DT_INIT_ARRAY entry with its
	// relocated virtual address — a hosted Go process has no general
	// way to jump into arbitrary mapped bytes as machine code, so
	// constructor execution is this optional hook rather than a direct
	// call, unlike run_ctors's raw function-pointer invocation.
	ExecInit func(addr uint64)
}

// NewLoader returns a Loader resolving undefined symbols against
// export before falling back to every other loaded module, per the
// two-table lookup order spec §4.6/§9 require.
func NewLoader(export *ExportTable) *Loader {
	return &Loader{export: export}
}

// Load parses image, copies its PT_LOAD segments into a Go allocation,
// checks DT_NEEDED dependencies, applies relocations, patches GOT[0..2]
// and runs DT_INIT_ARRAY entries through ExecInit, naming the resulting
// module name. It does not apply per-segment page permissions and does
// not call the image's entry point; params is not used, and the entry
// address is only recorded (see Module.EntryAddr).
// On a missing DT_NEEDED dependency it returns the first missing name and ENOENT,
// with the image's mapping already released, matching spec §8
// scenario 4 and the failure semantics of spec §4.6's last paragraph.
func (l *Loader) Load(image []byte, name string, params []string) (mod *Module, missing string, err error) {
	m := &Module{Name: name}

	if err := m.readHeaderAndPhdrs(image); err != nil {
		return nil, "", err
	}

	m.mapAndLoadSegments(image)

	if err := m.loadDynamic(image); err != nil {
		return nil, "", err
	}

	if err := m.parseDynamic(image); err != nil {
		return nil, "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, off := range m.dynNeeded {
		depName := symName(m.strs, uint32(off))

		found := false
		for _, other := range l.modules {
			if other.Name == depName {
				found = true
				break
			}
		}

		if !found {
			return nil, depName, fmt.Errorf("elfmod: %s needs %s: %w", name, depName, errno.ENoEnt)
		}
	}

	l.modules = append(l.modules, m)
	m.resolver = func(name string) (uint64, bool) {
		l.mu.RLock()
		defer l.mu.RUnlock()
		return l.lookup(m, name)
	}

	if err := l.applyRelocations(m); err != nil {
		l.removeLocked(m)
		return nil, "", err
	}

	m.installPLTHandler()

	m.runInitArray(l.ExecInit)

	return m, "", nil
}

func (l *Loader) removeLocked(m *Module) {
	for i, other := range l.modules {
		if other == m {
			l.modules = append(l.modules[:i], l.modules[i+1:]...)
			return
		}
	}
}

// lookup resolves name against the kernel export table, then every
// other loaded module's own hash table, per modload_lookup_name's
// two-table recursive search order.
func (l *Loader) lookup(requester *Module, name string) (uint64, bool) {
	if v, ok := l.export.Lookup(name); ok {
		return v, true
	}

	for _, other := range l.modules {
		if other == requester {
			continue
		}
		if v, ok := other.hash.lookup(name); ok {
			return v, true
		}
	}

	return 0, false
}

func (m *Module) readHeaderAndPhdrs(image []byte) error {
	if len(image) < binary.Size(elf.Header64{}) {
		return fmt.Errorf("elfmod: image too small for ELF header: %w", errno.ENoExec)
	}

	var hdr elf.Header64
	if err := binary.Read(sliceReader(image), order(), &hdr); err != nil {
		return fmt.Errorf("elfmod: reading ELF header: %w", errno.ENoExec)
	}

	if hdr.Phentsize != expectedPhentsize {
		return fmt.Errorf("elfmod: unexpected program header size %d: %w", hdr.Phentsize, errno.ENoExec)
	}

	phOff := hdr.Phoff
	phCount := int(hdr.Phnum)

	m.phdrs = make([]elf.Prog64, phCount)
	for i := 0; i < phCount; i++ {
		start := phOff + uint64(i)*expectedPhentsize
		if start+expectedPhentsize > uint64(len(image)) {
			return fmt.Errorf("elfmod: program header %d out of bounds: %w", i, errno.ENoExec)
		}
		if err := binary.Read(sliceReader(image[start:start+expectedPhentsize]), order(), &m.phdrs[i]); err != nil {
			return fmt.Errorf("elfmod: reading program header %d: %w", i, errno.ENoExec)
		}
	}

	m.entry = hdr.Entry

	return nil
}

// mapAndLoadSegments computes [min_vaddr, max_vaddr), reserves a
// matching Go allocation as the module's mapped memory, then copies
// each PT_LOAD segment's file bytes in and zero-fills the tail, per
// spec §4.6 steps 3-5.
func (m *Module) mapAndLoadSegments(image []byte) {
	minVaddr := ^uint64(0)
	maxVaddr := uint64(0)

	for _, ph := range m.phdrs {
		if elf.ProgType(ph.Type) != elf.PT_LOAD {
			continue
		}
		if ph.Vaddr < minVaddr {
			minVaddr = ph.Vaddr
		}
		if end := ph.Vaddr + ph.Memsz; end > maxVaddr {
			maxVaddr = end
		}
	}

	if minVaddr > maxVaddr {
		minVaddr, maxVaddr = 0, 0
	}

	m.minVaddr = minVaddr
	m.mem = make([]byte, maxVaddr-minVaddr)
	m.baseAdj = -int64(minVaddr) // mem[0] stands in for reserved_base

	for _, ph := range m.phdrs {
		if elf.ProgType(ph.Type) != elf.PT_LOAD {
			continue
		}

		dst := ph.Vaddr - minVaddr
		src := ph.Off

		n := copy(m.mem[dst:dst+ph.Filesz], image[src:src+ph.Filesz])
		_ = n

		for i := ph.Filesz; i < ph.Memsz; i++ {
			m.mem[dst+i] = 0
		}
	}
}

// at returns a slice of the module's mapped memory starting at virtual
// address vaddr (post base_adj), the Go equivalent of (void*)(vaddr +
// base_adj) pointer arithmetic in the original loader.
func (m *Module) at(vaddr uint64) []byte {
	off := int64(vaddr) + m.baseAdj
	return m.mem[off:]
}

func (m *Module) loadDynamic(image []byte) error {
	var dynSeg *elf.Prog64
	for i := range m.phdrs {
		if elf.ProgType(m.phdrs[i].Type) == elf.PT_DYNAMIC {
			dynSeg = &m.phdrs[i]
			break
		}
	}
	if dynSeg == nil {
		return nil
	}

	const dynEntSize = 16 // Elf64_Dyn: int64 tag + uint64 val
	if dynSeg.Filesz%dynEntSize != 0 {
		return fmt.Errorf("elfmod: dynamic segment has unexpected size: %w", errno.ENoExec)
	}

	count := dynSeg.Filesz / dynEntSize
	m.dynEntries = make([]elf.Dyn64, count)

	for i := uint64(0); i < count; i++ {
		start := dynSeg.Off + i*dynEntSize
		if err := binary.Read(sliceReader(image[start:start+dynEntSize]), order(), &m.dynEntries[i]); err != nil {
			return fmt.Errorf("elfmod: reading dynamic entry %d: %w", i, errno.ENoExec)
		}
	}

	return nil
}

func sliceReader(b []byte) *byteReader { return &byteReader{b: b} }

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
