package elfmod

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/kernelcore/xhcimod/errno"
)

// buildTestImage assembles a minimal ELF64 image: one PT_LOAD segment
// spanning the whole file (so vaddr == file offset and base_adj == 0),
// one PT_DYNAMIC segment, a string table, a one-entry (null) symbol
// table, and a one-bucket DT_HASH section. needed, if non-empty, adds
// a DT_NEEDED entry naming that dependency.
func buildTestImage(t *testing.T, needed string) []byte {
	t.Helper()

	const (
		headerSize  = 64
		phEntrySize = 56
		dynEntSize  = 16
	)

	phOff := uint64(headerSize)
	numPH := uint64(2)
	dynOff := phOff + numPH*phEntrySize

	var dynCount int
	if needed != "" {
		dynCount = 5
	} else {
		dynCount = 4
	}
	dynSize := uint64(dynCount) * dynEntSize

	strtabOff := dynOff + dynSize
	var strtab []byte
	strtab = append(strtab, 0)
	neededOff := uint32(0)
	if needed != "" {
		neededOff = uint32(len(strtab))
		strtab = append(strtab, []byte(needed)...)
		strtab = append(strtab, 0)
	}
	strtabSize := uint64(len(strtab))

	symtabOff := strtabOff + strtabSize
	symtabSize := uint64(elf.Sym64Size) // one null symbol

	hashOff := symtabOff + symtabSize
	hashSize := uint64(16) // nbucket=1, nchain=1, one bucket slot, one chain slot

	total := hashOff + hashSize

	buf := make([]byte, total)

	hdr := elf.Header64{
		Type:      2,
		Machine:   uint16(elf.EM_X86_64),
		Version:   1,
		Entry:     0,
		Phoff:     phOff,
		Phentsize: phEntrySize,
		Phnum:     uint16(numPH),
	}
	writeAt(t, buf, 0, hdr)

	loadPH := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  7,
		Off:    0,
		Vaddr:  0,
		Paddr:  0,
		Filesz: total,
		Memsz:  total,
		Align:  0x1000,
	}
	writeAt(t, buf, int(phOff), loadPH)

	dynPH := elf.Prog64{
		Type:   uint32(elf.PT_DYNAMIC),
		Flags:  6,
		Off:    dynOff,
		Vaddr:  dynOff,
		Paddr:  dynOff,
		Filesz: dynSize,
		Memsz:  dynSize,
		Align:  8,
	}
	writeAt(t, buf, int(phOff+phEntrySize), dynPH)

	pos := int(dynOff)
	writeDyn := func(tag elf.DynTag, val uint64) {
		writeAt(t, buf, pos, elf.Dyn64{Tag: int64(tag), Val: val})
		pos += dynEntSize
	}
	if needed != "" {
		writeDyn(elf.DT_NEEDED, uint64(neededOff))
	}
	writeDyn(elf.DT_STRTAB, strtabOff)
	writeDyn(elf.DT_STRSZ, strtabSize)
	writeDyn(elf.DT_SYMTAB, symtabOff)
	writeDyn(elf.DT_HASH, hashOff)

	copy(buf[strtabOff:], strtab)

	writeAt(t, buf, int(symtabOff), elf.Sym64{})

	binary.LittleEndian.PutUint32(buf[hashOff:], 1)   // nbucket
	binary.LittleEndian.PutUint32(buf[hashOff+4:], 1) // nchain
	binary.LittleEndian.PutUint32(buf[hashOff+8:], 0) // buckets[0]
	binary.LittleEndian.PutUint32(buf[hashOff+12:], 0) // chains[0]

	return buf
}

func writeAt(t *testing.T, buf []byte, off int, v interface{}) {
	t.Helper()
	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
		t.Fatalf("encoding %T: %v", v, err)
	}
	copy(buf[off:], b.Bytes())
}

func TestLoadMissingDependencyReturnsENoEnt(t *testing.T) {
	image := buildTestImage(t, "libfoo.so")

	loader := NewLoader(NewExportTable(nil))

	mod, missing, err := loader.Load(image, "needsfoo", nil)
	if mod != nil {
		t.Fatal("Load should not return a module on a missing dependency")
	}
	if missing != "libfoo.so" {
		t.Fatalf("missing = %q, want %q", missing, "libfoo.so")
	}
	if !errors.Is(err, errno.ENoEnt) {
		t.Fatalf("err = %v, want wrapping ENoEnt", err)
	}

	if len(loader.modules) != 0 {
		t.Fatal("a module that failed to load must not remain in the loader's module list")
	}
}

func TestLoadSucceedsWithNoDependencies(t *testing.T) {
	image := buildTestImage(t, "")

	loader := NewLoader(NewExportTable(nil))

	mod, missing, err := loader.Load(image, "standalone", []string{"arg1"})
	if err != nil {
		t.Fatalf("Load returned %v", err)
	}
	if missing != "" {
		t.Fatalf("missing = %q, want empty", missing)
	}
	if mod == nil {
		t.Fatal("Load returned a nil module with no error")
	}

	if len(loader.modules) != 1 || loader.modules[0] != mod {
		t.Fatal("a successfully loaded module must be registered in the loader's module list")
	}
}

func TestLoadThenDependentResolvesAgainstIt(t *testing.T) {
	loader := NewLoader(NewExportTable(nil))

	base := buildTestImage(t, "")
	baseMod, _, err := loader.Load(base, "libfoo.so", nil)
	if err != nil {
		t.Fatalf("loading base module: %v", err)
	}

	dependent := buildTestImage(t, "libfoo.so")
	mod, missing, err := loader.Load(dependent, "dependent", nil)
	if err != nil {
		t.Fatalf("Load with satisfied dependency returned %v (missing=%q)", err, missing)
	}
	if mod == nil {
		t.Fatal("Load returned nil module")
	}

	if len(loader.modules) != 2 {
		t.Fatalf("loader.modules has %d entries, want 2", len(loader.modules))
	}
	_ = baseMod
}
