package reftable

import (
	"errors"
	"testing"
)

func TestMemoryAllocWriteRead(t *testing.T) {
	m := NewMemory(NewOptions())
	defer m.Close()

	ref, err := m.Alloc(16)
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsWritable(ref) {
		t.Fatal("freshly allocated ref should be writable")
	}
	buf, err := m.Bytes(ref)
	if err != nil {
		t.Fatal(err)
	}
	copy(buf, "0123456789abcdef")
	buf2, err := m.Bytes(ref)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf2) != "0123456789abcdef" {
		t.Fatalf("got %q", buf2)
	}
}

func TestMemoryAllocInFileIsImmutable(t *testing.T) {
	m := NewMemory(NewOptions())
	defer m.Close()

	ref, err := m.AllocInFile(8)
	if err != nil {
		t.Fatal(err)
	}
	if m.IsWritable(ref) {
		t.Fatal("AllocInFile should produce an immutable ref")
	}
}

func TestMemoryFreeAndReuse(t *testing.T) {
	m := NewMemory(NewOptions())
	defer m.Close()

	a, err := m.Alloc(32)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Free(a, 32); err != nil {
		t.Fatal(err)
	}
	// the background reclaimer may or may not have queued the freed slot
	// yet; either way the next Alloc must hand back a valid ref.
	b, err := m.Alloc(32)
	if err != nil {
		t.Fatal(err)
	}
	if b == 0 {
		t.Fatal("expected a valid ref")
	}
}

func TestChangeOnViewReturnsStoreError(t *testing.T) {
	store := Open(NewOptions(WithInitialCapacity(8), WithBucketCapacity(4)))
	defer store.Close()

	txn := store.Begin()
	if _, err := txn.CreateTable("widgets", []Kind{KindUint}); err != nil {
		t.Fatal(err)
	}
	if err := txn.Insert("widgets", 1, []uint64{1}); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	view := store.View()
	obj, err := view.Row("widgets", 1)
	if err != nil {
		t.Fatal(err)
	}
	err = Set[uint64](obj, 0, 2)
	if err == nil {
		t.Fatal("expected an error writing through a read-only View")
	}
	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected a *StoreError, got %T: %v", err, err)
	}
}

func TestMemoryGrowthPreservesOldRefs(t *testing.T) {
	m := NewMemory(NewOptions(WithInitialCapacity(1)))
	defer m.Close()

	var refs []Ref
	for i := 0; i < 2000; i++ {
		ref, err := m.Alloc(8)
		if err != nil {
			t.Fatal(err)
		}
		buf, err := m.Bytes(ref)
		if err != nil {
			t.Fatal(err)
		}
		buf[0] = byte(i)
		refs = append(refs, ref)
	}
	for i, ref := range refs {
		buf, err := m.Bytes(ref)
		if err != nil {
			t.Fatal(err)
		}
		if buf[0] != byte(i) {
			t.Fatalf("ref %d corrupted after growth: got %d want %d", i, buf[0], byte(i))
		}
	}
}
