package elfmod

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/kernelcore/xhcimod/errno"
)

// PLTStubFrame is the saved-register frame a lazy-binding trampoline
// would build before calling into the loader, laid out in the same
// field order as the original kernel's plt_stub_data_t struct (the "standard
// System V x86-64 set" plus RFLAGS and the loader's own bookkeeping
// fields). This repository is a hosted Go module and cannot ship the
// architecture-specific assembly stub that would populate and consume
// this frame, so the frame type exists to document the contract
// precisely while ResolvePLT below stands in for what the trampoline
// would call.
type PLTStubFrame struct {
	RAX, RDI, RSI, RDX, RCX uintptr
	R8, R9, R10, R11        uintptr
	RFLAGS                  uintptr
	Result                  uintptr
	Module                  *Module
	PLTIndex                uint64
}

// installPLTHandler patches the module's GOT slots 0-2 per step 10 of
// the loading protocol: GOT[0] gets base_adj added (the module's own
// base), GOT[1] identifies the module to the trampoline, GOT[2] would
// hold the trampoline's address. Because this module never executes
// the loaded image's machine code directly, GOT[2] is left zero and
// JUMP_SLOT relocations are always resolved eagerly instead (spec §9
// DT_BIND_NOW-always-set); the lazy path is modeled by ResolvePLT.
func (m *Module) installPLTHandler() {
	if m.dynPltgot == 0 {
		return
	}

	got := m.at(m.dynPltgot)
	if len(got) < 24 {
		return
	}

	slot0 := int64(binary.LittleEndian.Uint64(got[0:8]))
	binary.LittleEndian.PutUint64(got[0:8], uint64(slot0+m.baseAdj))
	binary.LittleEndian.PutUint64(got[8:16], uint64(uintptr(unsafe.Pointer(m))))
	binary.LittleEndian.PutUint64(got[16:24], 0)
}

// ResolvePLT resolves the JMPREL entry at index for module, patches
// the GOT slot at that relocation's offset, and returns the resolved
// address — the work __module_dynamic_linker does after a trampoline
// traps a first call through a lazily-bound PLT slot. It is unused by
// Load itself (every JUMP_SLOT is resolved eagerly, per the
// DT_BIND_NOW-always-set resolution), and no test in this package
// exercises it.
func ResolvePLT(module *Module, index int) (uintptr, error) {
	if module.dynJmprel == 0 {
		return 0, fmt.Errorf("elfmod: %s: no JMPREL table: %w", module.Name, errno.EInval)
	}

	data := module.at(module.dynJmprel)
	start := index * relaEntSize
	if start+relaEntSize > len(data) {
		return 0, fmt.Errorf("elfmod: %s: PLT index %d out of range: %w", module.Name, index, errno.EInval)
	}

	var rela elf.Rela64
	binary.Read(sliceReader(data[start:start+relaEntSize]), order(), &rela)

	symIdx := elf.R_SYM64(rela.Info)
	if int(symIdx) >= len(module.syms) {
		return 0, fmt.Errorf("elfmod: %s: PLT symbol index out of range: %w", module.Name, errno.ENoExec)
	}

	name := symName(module.strs, module.syms[symIdx].Name)

	addr, ok := module.resolver(name)
	if !ok {
		return 0, fmt.Errorf("elfmod: %s: PLT symbol %q not found: %w", module.Name, name, errno.ENoExec)
	}

	got := module.at(module.dynPltgot)
	gotSlot := rela.Off - module.dynPltgot
	if gotSlot+8 <= uint64(len(got)) {
		binary.LittleEndian.PutUint64(got[gotSlot:gotSlot+8], addr)
	}

	return uintptr(addr), nil
}

// runInitArray calls every DT_INIT_ARRAY entry in order, per step 12
// of the loading protocol. Each entry is a vaddr within the module;
// the caller-supplied exec hook is what actually transfers control
// to it, since a hosted Go process has no way to jump into arbitrary
// mapped bytes as machine code the way run_ctors's raw function-
// pointer call does.
func (m *Module) runInitArray(exec func(addr uint64)) {
	if m.dynInitArray == 0 || exec == nil {
		return
	}

	data := m.at(m.dynInitArray)
	count := m.dynInitArraysz / 8

	for i := uint64(0); i < count; i++ {
		addr := binary.LittleEndian.Uint64(data[i*8:])
		exec(addr + uint64(m.baseAdj))
	}
}
