package elfmod

import "debug/elf"

// Symbol is one exported kernel symbol, the unit ExportTable is built
// from.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
}

// ExportTable is the kernel's symbol table, built once with the same
// bucket/chain hash layout a standard linker emits into DT_HASH, so
// that loaded modules resolve against it exactly as they would against
// a real shared object's export table. Built once at boot and reused
// for every module load, matching the original kernel's persistent export_ht.
type ExportTable struct {
	ht hashTable
}

// NewExportTable builds the hash bucket/chain arrays for symbols,
// choosing a bucket count close to the symbol count the way a linker's
// DT_HASH section would (symbol 0 is reserved as the undefined/null
// entry, matching ELF symbol table index conventions).
func NewExportTable(symbols []Symbol) *ExportTable {
	nbucket := nextHashBucketCount(len(symbols) + 1)

	syms := make([]elf.Sym64, len(symbols)+1)
	var strs []byte
	strs = append(strs, 0)

	nameOffsets := make([]uint32, len(symbols))
	for i, s := range symbols {
		nameOffsets[i] = uint32(len(strs))
		strs = append(strs, []byte(s.Name)...)
		strs = append(strs, 0)
	}

	buckets := make([]uint32, nbucket)
	chains := make([]uint32, len(symbols)+1)

	for i, s := range symbols {
		idx := uint32(i + 1)
		syms[idx] = elf.Sym64{
			Name:  nameOffsets[i],
			Value: s.Value,
			Size:  s.Size,
			Shndx: 1, // any non-SHN_UNDEF section index
		}

		bucket := elfHash(s.Name) % uint32(nbucket)
		chains[idx] = buckets[bucket]
		buckets[bucket] = idx
	}

	return &ExportTable{ht: hashTable{
		buckets: buckets,
		chains:  chains,
		syms:    syms,
		strs:    strs,
	}}
}

// Lookup resolves name against the export table.
func (e *ExportTable) Lookup(name string) (uint64, bool) {
	return e.ht.lookup(name)
}

// nextHashBucketCount picks a small prime-ish bucket count, the way
// linkers size DT_HASH to keep average chain length near 1.
func nextHashBucketCount(n int) int {
	primes := []int{1, 3, 17, 37, 67, 97, 131, 197, 263, 521, 1031, 2053, 4099}
	for _, p := range primes {
		if p >= n {
			return p
		}
	}
	return primes[len(primes)-1]
}
