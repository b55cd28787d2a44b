package elfmod

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/kernelcore/xhcimod/errno"
)

// parseDynamic walks the entries loadDynamic read, capturing the tags
// spec §4.6 step 7 names and validating DT_RELAENT/DT_PLTREL, then
// builds the module's own symbol table, string table, and hash
// table view, per parse_dynamic/module_t::syms/module_t::strs/ht in
// the original loader.
func (m *Module) parseDynamic(image []byte) error {
	for _, d := range m.dynEntries {
		switch elf.DynTag(d.Tag) {
		case elf.DT_NULL:
			continue
		case elf.DT_STRTAB:
			m.dynStrtab = d.Val
		case elf.DT_STRSZ:
			m.dynStrsz = d.Val
		case elf.DT_SYMTAB:
			m.dynSymtab = d.Val
		case elf.DT_SYMENT:
			if d.Val != uint64(elf.Sym64Size) {
				return fmt.Errorf("elfmod: unexpected symbol entry size %d: %w", d.Val, errno.ENoExec)
			}
		case elf.DT_PLTGOT:
			m.dynPltgot = d.Val
		case elf.DT_PLTRELSZ:
			m.dynPltrelsz = d.Val
		case elf.DT_PLTREL:
			if elf.DynTag(d.Val) != elf.DT_RELA {
				return fmt.Errorf("elfmod: unexpected DT_PLTREL, only RELA is supported: %w", errno.ENoExec)
			}
		case elf.DT_JMPREL:
			m.dynJmprel = d.Val
		case elf.DT_RELA:
			m.dynRela = d.Val
		case elf.DT_RELASZ:
			m.dynRelasz = d.Val
		case elf.DT_RELAENT:
			if d.Val != relaEntSize {
				return fmt.Errorf("elfmod: unexpected relocation entry size %d: %w", d.Val, errno.ENoExec)
			}
		case elf.DT_NEEDED:
			m.dynNeeded = append(m.dynNeeded, d.Val)
		case elf.DT_HASH:
			m.dynHash = d.Val
		case elf.DT_BIND_NOW:
			m.bindNow = true
		case elf.DT_INIT_ARRAY:
			m.dynInitArray = d.Val
		case elf.DT_INIT_ARRAYSZ:
			m.dynInitArraysz = d.Val
		default:
			// Every other tag (DT_SONAME, DT_RPATH, DT_FLAGS_1,
			// DT_FINI_ARRAY, DT_DEBUG, and so on) is tolerated and
			// simply uncounted, matching parse_dynamic's unknown_count
			// handling: this loader does not need them to apply
			// relocations or run constructors.
		}
	}

	m.bindNow = true // spec §9: DT_BIND_NOW is always treated as set

	if m.dynStrtab != 0 {
		strtab := m.at(m.dynStrtab)
		size := m.dynStrsz
		if size == 0 || size > uint64(len(strtab)) {
			size = uint64(len(strtab))
		}
		m.strs = strtab[:size]
	}

	if m.dynHash != 0 {
		hashSec := m.at(m.dynHash)
		nbucket := binary.LittleEndian.Uint32(hashSec[0:4])
		nchain := binary.LittleEndian.Uint32(hashSec[4:8])

		buckets := make([]uint32, nbucket)
		for i := range buckets {
			buckets[i] = binary.LittleEndian.Uint32(hashSec[8+i*4:])
		}

		chainsOff := 8 + int(nbucket)*4
		chains := make([]uint32, nchain)
		for i := range chains {
			chains[i] = binary.LittleEndian.Uint32(hashSec[chainsOff+i*4:])
		}

		if m.dynSymtab != 0 {
			symtab := m.at(m.dynSymtab)
			m.syms = make([]elf.Sym64, nchain)
			for i := range m.syms {
				start := i * elf.Sym64Size
				binary.Read(sliceReader(symtab[start:start+elf.Sym64Size]), order(), &m.syms[i])
			}
		}

		m.hash = hashTable{
			buckets: buckets,
			chains:  chains,
			syms:    m.syms,
			strs:    m.strs,
			baseAdj: m.baseAdj,
		}
	}

	return nil
}
