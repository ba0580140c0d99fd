package reftable

import "testing"

func TestObjectGetSet(t *testing.T) {
	store := Open(NewOptions(WithInitialCapacity(8), WithBucketCapacity(4)))
	defer store.Close()

	txn := store.Begin()
	if _, err := txn.CreateTable("widgets", []Kind{KindUint, KindTableRef, KindFloat64}); err != nil {
		t.Fatal(err)
	}
	if err := txn.Insert("widgets", 1, []uint64{0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	obj, err := txn.Row("widgets", 1)
	if err != nil {
		t.Fatal(err)
	}

	if err := Set[uint64](obj, 0, 7); err != nil {
		t.Fatal(err)
	}
	if err := Set[TableRef](obj, 1, TableRef(55)); err != nil {
		t.Fatal(err)
	}
	if err := Set[float64](obj, 2, 3.5); err != nil {
		t.Fatal(err)
	}

	u, err := Get[uint64](obj, 0)
	if err != nil || u != 7 {
		t.Fatalf("u=%d err=%v", u, err)
	}
	r, err := Get[TableRef](obj, 1)
	if err != nil || r != TableRef(55) {
		t.Fatalf("r=%v err=%v", r, err)
	}
	f, err := Get[float64](obj, 2)
	if err != nil || f != 3.5 {
		t.Fatalf("f=%v err=%v", f, err)
	}
}

func TestObjectGetKindMismatch(t *testing.T) {
	store := Open(NewOptions())
	defer store.Close()

	txn := store.Begin()
	if _, err := txn.CreateTable("widgets", []Kind{KindUint}); err != nil {
		t.Fatal(err)
	}
	if err := txn.Insert("widgets", 1, []uint64{1}); err != nil {
		t.Fatal(err)
	}
	obj, err := txn.Row("widgets", 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Get[TableRef](obj, 0); err == nil {
		t.Fatal("expected a kind-mismatch error reading a uint column as TableRef")
	}
}

func TestObjectGetNotFound(t *testing.T) {
	store := Open(NewOptions())
	defer store.Close()

	txn := store.Begin()
	if _, err := txn.CreateTable("widgets", []Kind{KindUint}); err != nil {
		t.Fatal(err)
	}
	if _, err := txn.Row("widgets", 999); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
