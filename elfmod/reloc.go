package elfmod

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/kernelcore/xhcimod/errno"
)

// applyRelocations walks the RELA and JMPREL tables and applies every
// entry, in that order, matching apply_relocs's two-table loop. S, A,
// B, P, G, Z follow the same names spec §4.6 step 9 and the original
// loader's comments use.
func (l *Loader) applyRelocations(m *Module) error {
	tables := []struct {
		vaddr uint64
		size  uint64
	}{
		{m.dynRela, m.dynRelasz},
		{m.dynJmprel, m.dynPltrelsz},
	}

	for _, tbl := range tables {
		if tbl.vaddr == 0 || tbl.size == 0 {
			continue
		}

		count := tbl.size / relaEntSize
		data := m.at(tbl.vaddr)

		for i := uint64(0); i < count; i++ {
			start := i * relaEntSize
			var rela elf.Rela64
			binary.Read(sliceReader(data[start:start+relaEntSize]), order(), &rela)

			if err := l.applyOne(m, rela); err != nil {
				return err
			}
		}
	}

	return nil
}

func (l *Loader) applyOne(m *Module, rela elf.Rela64) error {
	symIdx := elf.R_SYM64(rela.Info)
	relType := elf.R_TYPE64(rela.Info)

	operand := m.at(rela.Off)

	A := rela.Addend
	B := m.baseAdj
	P := int64(rela.Off) + m.baseAdj
	G := int64(m.dynPltgot) + m.baseAdj

	var S int64
	var Z uint64
	var name string

	if int(symIdx) < len(m.syms) && symIdx != 0 {
		sym := m.syms[symIdx]
		name = symName(m.strs, sym.Name)
		Z = sym.Size
		S = int64(sym.Value) + m.baseAdj

		if name != "" {
			addr, ok := l.lookup(m, name)
			if !ok {
				return fmt.Errorf("elfmod: %s: undefined symbol %q: %w", m.Name, name, errno.ENoExec)
			}
			S = int64(addr)
		}
	}

	switch elf.R_X86_64(relType) {
	case elf.R_X86_64_NONE:
		return nil

	case elf.R_X86_64_JMP_SLOT:
		// DT_BIND_NOW is always treated as set (spec §9): resolve now
		// rather than pointing at the lazy-binding thunk.
		return writeInt64(operand, S)

	case elf.R_X86_64_64:
		return writeInt64(operand, S+A)
	case elf.R_X86_64_GLOB_DAT:
		return writeInt64(operand, S)
	case elf.R_X86_64_RELATIVE:
		return writeInt64(operand, B+A)
	case elf.R_X86_64_GOTOFF64:
		return writeInt64(operand, S+A-G)
	case elf.R_X86_64_PC64:
		return writeInt64(operand, S+A-P)
	case elf.R_X86_64_SIZE64:
		return writeInt64(operand, int64(Z)+A)

	case elf.R_X86_64_PC32:
		return writeTruncated32(m.Name, operand, S+A-P, true)
	case elf.R_X86_64_GOT32:
		return writeTruncated32(m.Name, operand, G+A, false)
	case elf.R_X86_64_GOTPC32:
		return writeTruncated32(m.Name, operand, G+A+P, true)
	case elf.R_X86_64_SIZE32:
		return writeTruncated32(m.Name, operand, int64(Z)+A, false)
	case elf.R_X86_64_GOTPCREL:
		return writeTruncated32(m.Name, operand, G+A-P, true)
	case elf.R_X86_64_32:
		return writeTruncated32(m.Name, operand, S+A, false)
	case elf.R_X86_64_32S:
		return writeTruncated32(m.Name, operand, S+A, true)

	case elf.R_X86_64_16:
		return writeTruncated16(m.Name, operand, S+A, false)
	case elf.R_X86_64_PC16:
		return writeTruncated16(m.Name, operand, S+A-P, true)

	case elf.R_X86_64_8:
		return writeTruncated8(m.Name, operand, S+A, false)
	case elf.R_X86_64_PC8:
		return writeTruncated8(m.Name, operand, S+A-P, true)

	default:
		return fmt.Errorf("elfmod: %s: unsupported relocation type %d: %w", m.Name, relType, errno.ENoExec)
	}
}

func writeInt64(dst []byte, v int64) error {
	binary.LittleEndian.PutUint64(dst, uint64(v))
	return nil
}

// writeTruncated32/16/8 check whether v survives narrowing to the target
// width, signed or unsigned as the relocation's semantics require, and
// write it only if it does,
// mirroring apply_relocs's int32_common/uint32_common/... goto targets.
func writeTruncated32(module string, dst []byte, v int64, signed bool) error {
	if signed {
		if int64(int32(v)) != v {
			return fmt.Errorf("elfmod: %s: relocation truncated to fit (32-bit signed): %w", module, errno.ENoExec)
		}
	} else {
		if uint64(uint32(v)) != uint64(v) {
			return fmt.Errorf("elfmod: %s: relocation truncated to fit (32-bit): %w", module, errno.ENoExec)
		}
	}
	binary.LittleEndian.PutUint32(dst, uint32(v))
	return nil
}

func writeTruncated16(module string, dst []byte, v int64, signed bool) error {
	if signed {
		if int64(int16(v)) != v {
			return fmt.Errorf("elfmod: %s: relocation truncated to fit (16-bit signed): %w", module, errno.ENoExec)
		}
	} else {
		if uint64(uint16(v)) != uint64(v) {
			return fmt.Errorf("elfmod: %s: relocation truncated to fit (16-bit): %w", module, errno.ENoExec)
		}
	}
	binary.LittleEndian.PutUint16(dst, uint16(v))
	return nil
}

func writeTruncated8(module string, dst []byte, v int64, signed bool) error {
	if signed {
		if int64(int8(v)) != v {
			return fmt.Errorf("elfmod: %s: relocation truncated to fit (8-bit signed): %w", module, errno.ENoExec)
		}
	} else {
		if uint64(uint8(v)) != uint64(v) {
			return fmt.Errorf("elfmod: %s: relocation truncated to fit (8-bit): %w", module, errno.ENoExec)
		}
	}
	dst[0] = byte(v)
	return nil
}
