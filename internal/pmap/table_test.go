package pmap

import "testing"

func TestInsertLookup(t *testing.T) {
	var tbl Table[uint64, string]

	tbl.Insert(0x1000, "a")
	tbl.Insert(0x2000, "b")
	tbl.Insert(0x3000, "c")

	if v, ok := tbl.Lookup(0x2000); !ok || v != "b" {
		t.Fatalf("Lookup(0x2000) = %q, %v", v, ok)
	}

	if _, ok := tbl.Lookup(0x9000); ok {
		t.Fatal("Lookup of absent key succeeded")
	}
}

func TestRehashAtHalfLoad(t *testing.T) {
	var tbl Table[uint64, int]

	for i := 0; i < 9; i++ {
		tbl.Insert(uint64(i), i)
	}

	if tbl.Len() != 9 {
		t.Fatalf("Len() = %d, want 9", tbl.Len())
	}

	for i := 0; i < 9; i++ {
		v, ok := tbl.Lookup(uint64(i))
		if !ok || v != i {
			t.Fatalf("Lookup(%d) = %d, %v", i, v, ok)
		}
	}
}

func TestDeleteTombstoneChaining(t *testing.T) {
	var tbl Table[uint64, int]

	// 1, 14 and 27 share a home slot in the initial 16-slot table, so
	// they occupy three consecutive slots and deleting the middle one
	// leaves a tombstone that Lookup(27) must probe past.
	tbl.Insert(1, 1)
	tbl.Insert(14, 14)
	tbl.Insert(27, 27)

	tbl.Delete(14)

	if _, ok := tbl.Lookup(14); ok {
		t.Fatal("deleted key still found")
	}

	if v, ok := tbl.Lookup(27); !ok || v != 27 {
		t.Fatalf("Lookup(27) after Delete(14) = %d, %v, want 27, true", v, ok)
	}
}

func TestDeleteMissing(t *testing.T) {
	var tbl Table[uint64, int]

	tbl.Insert(1, 1)

	if tbl.Delete(42) {
		t.Fatal("Delete of absent key reported success")
	}
}
