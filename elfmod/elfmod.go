// Package elfmod implements an ELF64 dynamic module loader: program
// header mapping, .dynamic parsing, the ELF-standard symbol hash,
// RELA/JMPREL relocation application, and PLT/GOT patching.
//
// Grounded on kernel/arch/x86_64/elf64.cc (original_source): module_t's
// load_image pipeline (infer_vaddr_range/map_sections/load_sections/
// load_dynamic/parse_dynamic/apply_relocs/install_plt_handler/run_ctors)
// is reproduced here as Loader.Load's step sequence, adapted to a
// hosted Go allocation standing in for mm_alloc_space/mmap.
//
// debug/elf supplies the ELF64 struct layouts and constant tables
// (program header types, dynamic tags, R_X86_64_* relocation
// constants); hand-rolling the ELF64 wire format has no justification
// when the standard library already expresses it exactly.
package elfmod

import (
	"debug/elf"
	"encoding/binary"
)

const expectedPhentsize = 56
const relaEntSize = 24

// Module is a single loaded ELF64 image: its mapped memory, parsed
// dynamic section, and the symbol hash table other modules' lookups
// walk into after the kernel export table.
type Module struct {
	Name string

	mem      []byte // the module's mapped [min_vaddr, max_vaddr) span
	baseAdj  int64  // reserved_base - min_vaddr
	minVaddr uint64

	phdrs      []elf.Prog64
	dynEntries []elf.Dyn64

	dynStrtab  uint64
	dynStrsz   uint64
	dynSymtab  uint64
	dynHash    uint64
	dynPltgot  uint64
	dynJmprel  uint64
	dynPltrelsz uint64
	dynRela    uint64
	dynRelasz  uint64
	dynInitArray   uint64
	dynInitArraysz uint64
	dynNeeded  []uint64
	bindNow    bool

	syms []elf.Sym64
	strs []byte

	hash hashTable

	entry uint64

	// resolver looks up a symbol by name against the kernel export
	// table and every other loaded module, exactly as relocation
	// processing does; ResolvePLT reuses it for lazy PLT resolution.
	resolver func(name string) (uint64, bool)
}

// order returns the byte order every ELF64 accessor in this package
// uses: little-endian, per spec.md's x86-64 ABI.
func order() binary.ByteOrder { return binary.LittleEndian }

// EntryAddr returns the module's relocated entry point, the address
// step 13 of the loading protocol would call with argc/argv.
func (m *Module) EntryAddr() uint64 {
	return uint64(int64(m.entry) + m.baseAdj)
}

// Size returns the module's mapped [min_vaddr, max_vaddr) span length.
func (m *Module) Size() int {
	return len(m.mem)
}
