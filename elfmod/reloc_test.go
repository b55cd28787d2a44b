package elfmod

import (
	"debug/elf"
	"encoding/binary"
	"testing"
)

// relocFixture builds a Module with one defined symbol ("foo") and one
// undefined slot (index 0, per ELF convention), wired to a Loader whose
// export table resolves "foo" to symVal. baseAdj is non-zero (a
// relocated module whose min_vaddr wasn't already 0), the case that
// would silently hide a GOT/base-adjustment bug.
func relocFixture(t *testing.T, baseAdj int64, pltgot uint64, symVal uint64, symSize uint64) (*Loader, *Module) {
	t.Helper()

	export := NewExportTable([]Symbol{{Name: "foo", Value: symVal, Size: symSize}})
	l := NewLoader(export)

	strs := []byte{0}
	nameOff := uint32(len(strs))
	strs = append(strs, []byte("foo")...)
	strs = append(strs, 0)

	m := &Module{
		Name:      "test",
		mem:       make([]byte, 0x100),
		baseAdj:   baseAdj,
		dynPltgot: pltgot,
		syms: []elf.Sym64{
			{}, // index 0: reserved undefined entry
			{Name: nameOff, Value: symVal, Size: symSize, Shndx: 1},
		},
		strs: strs,
	}

	return l, m
}

func rela(off uint64, symIdx uint32, typ elf.R_X86_64, addend int64) elf.Rela64 {
	return elf.Rela64{
		Off:    off,
		Info:   uint64(symIdx)<<32 | uint64(typ),
		Addend: addend,
	}
}

func TestApplyOneRelocationTypes(t *testing.T) {
	const (
		relOff  = 0x20
		baseAdj = 0x10
		pltgot  = 0x40
		symVal  = 0x5000 // foo's relocated address, already includes its own module's baseAdj
		symSize = 0x20
	)

	// P = relOff + baseAdj = 0x30, G = pltgot + baseAdj = 0x50
	cases := []struct {
		name   string
		typ    elf.R_X86_64
		symIdx uint32
		addend int64
		width  int
		want   int64
	}{
		{"64", elf.R_X86_64_64, 1, 7, 8, symVal + 7},
		{"GLOB_DAT", elf.R_X86_64_GLOB_DAT, 1, 0, 8, symVal},
		{"RELATIVE", elf.R_X86_64_RELATIVE, 0, 3, 8, baseAdj + 3},
		// GOTOFF64 = S + A - G, with G = pltgot+baseAdj = 0x50. This is
		// the case that regresses to S+A-pltgot (omitting +baseAdj) if
		// the GOTOFF64 arm stops reusing G.
		{"GOTOFF64", elf.R_X86_64_GOTOFF64, 1, 2, 8, symVal + 2 - (pltgot + baseAdj)},
		{"PC64", elf.R_X86_64_PC64, 1, 0, 8, symVal - (relOff + baseAdj)},
		{"SIZE64", elf.R_X86_64_SIZE64, 1, 4, 8, symSize + 4},
		{"JMP_SLOT", elf.R_X86_64_JMP_SLOT, 1, 0, 8, symVal},

		{"PC32", elf.R_X86_64_PC32, 1, 0, 4, symVal - (relOff + baseAdj)},
		{"GOT32", elf.R_X86_64_GOT32, 1, 0, 4, pltgot + baseAdj},
		{"GOTPC32", elf.R_X86_64_GOTPC32, 1, 0, 4, (pltgot + baseAdj) + (relOff + baseAdj)},
		{"SIZE32", elf.R_X86_64_SIZE32, 1, 1, 4, symSize + 1},
		{"GOTPCREL", elf.R_X86_64_GOTPCREL, 1, 0, 4, (pltgot + baseAdj) - (relOff + baseAdj)},
		{"32", elf.R_X86_64_32, 1, 0, 4, symVal},
		{"32S", elf.R_X86_64_32S, 1, 0, 4, symVal},

		{"16", elf.R_X86_64_16, 1, 0, 2, 0x50},
		{"PC16", elf.R_X86_64_PC16, 1, 0, 2, 0x50 - (relOff + baseAdj)},

		{"8", elf.R_X86_64_8, 1, 0, 1, 0x50},
		{"PC8", elf.R_X86_64_PC8, 1, 0, 1, 0x50 - (relOff + baseAdj)},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			symValForCase := uint64(symVal)
			if c.width <= 2 {
				// 8/16-bit widths can't hold 0x5000; give this case its
				// own small symbol value so the expected result fits.
				symValForCase = 0x50
			}

			l, m := relocFixture(t, baseAdj, pltgot, symValForCase, symSize)

			r := rela(relOff, c.symIdx, c.typ, c.addend)
			if err := l.applyOne(m, r); err != nil {
				t.Fatalf("applyOne(%s) = %v", c.name, err)
			}

			operand := m.at(relOff)

			var got int64
			switch c.width {
			case 8:
				got = int64(binary.LittleEndian.Uint64(operand))
			case 4:
				got = int64(int32(binary.LittleEndian.Uint32(operand)))
				if c.typ == elf.R_X86_64_GOT32 || c.typ == elf.R_X86_64_SIZE32 {
					got = int64(binary.LittleEndian.Uint32(operand))
				}
			case 2:
				got = int64(int16(binary.LittleEndian.Uint16(operand)))
				if c.typ == elf.R_X86_64_16 {
					got = int64(binary.LittleEndian.Uint16(operand))
				}
			case 1:
				got = int64(int8(operand[0]))
				if c.typ == elf.R_X86_64_8 {
					got = int64(operand[0])
				}
			}

			if got != c.want {
				t.Fatalf("%s: operand = %#x, want %#x", c.name, got, c.want)
			}
		})
	}
}

func TestApplyOneNoneIsNoop(t *testing.T) {
	l, m := relocFixture(t, 0x10, 0x40, 0x5000, 0x20)

	for i := range m.mem {
		m.mem[i] = 0xAB
	}

	r := rela(0x20, 1, elf.R_X86_64_NONE, 0)
	if err := l.applyOne(m, r); err != nil {
		t.Fatalf("applyOne(NONE) = %v", err)
	}

	for _, b := range m.at(0x20)[:8] {
		if b != 0xAB {
			t.Fatal("R_X86_64_NONE must not write to its operand")
		}
	}
}

func TestApplyOneUndefinedSymbolFails(t *testing.T) {
	// an export table with no symbols at all: "foo" can never resolve,
	// exercising the fatal-unresolved-symbol path spec §4.6 step 9
	// requires ("unresolved symbols are a fatal load error").
	_, m := relocFixture(t, 0, 0x40, 0x5000, 0x20)
	l := NewLoader(NewExportTable(nil))

	r := rela(0x20, 1, elf.R_X86_64_64, 0)
	if err := l.applyOne(m, r); err == nil {
		t.Fatal("applyOne with an unresolvable symbol must fail")
	}
}

func TestApplyOneTruncationFails(t *testing.T) {
	l, m := relocFixture(t, 0, 0x40, 1<<40, 0)

	r := rela(0x20, 1, elf.R_X86_64_32S, 0)
	if err := l.applyOne(m, r); err == nil {
		t.Fatal("a value that does not fit in the relocation width must fail, not truncate silently")
	}
}
