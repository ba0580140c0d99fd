package reftable

import (
	"errors"
	"testing"
)

func TestClusterMgrNewClusterAndBuffer(t *testing.T) {
	mem := NewMemory(NewOptions())
	defer mem.Close()

	cm, err := NewClusterMgr(mem, []Kind{KindUint, KindFloat64}, 4)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := cm.NewCluster()
	if err != nil {
		t.Fatal(err)
	}
	cm.InitInternalBuffer()
	cm.setRaw(0, 10)
	cm.setRaw(1, 20)
	if err := cm.WriteInternalBuffer(mem, payload, 0); err != nil {
		t.Fatal(err)
	}
	cm.InitInternalBuffer()
	if err := cm.ReadInternalBuffer(mem, payload, 0); err != nil {
		t.Fatal(err)
	}
	got := cm.rawValues()
	if got[0] != 10 || got[1] != 20 {
		t.Fatalf("got %v", got)
	}
}

func TestCreateTableZeroColumnsReturnsStoreError(t *testing.T) {
	store := Open(NewOptions())
	defer store.Close()

	txn := store.Begin()
	defer txn.Abandon()

	_, err := txn.CreateTable("t", nil)
	if err == nil {
		t.Fatal("expected an error for zero columns")
	}
	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected a *StoreError, got %T: %v", err, err)
	}
}

func TestClusterMgrCommitPreservesUntouchedRef(t *testing.T) {
	mem := NewMemory(NewOptions())
	defer mem.Close()

	cm, err := NewClusterMgr(mem, []Kind{KindUint}, 4)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := cm.NewCluster()
	if err != nil {
		t.Fatal(err)
	}
	committed, err := cm.Commit(mem, payload)
	if err != nil {
		t.Fatal(err)
	}
	again, err := cm.Commit(mem, committed)
	if err != nil {
		t.Fatal(err)
	}
	if again != committed {
		t.Fatal("committing an already-immutable payload must return the same ref")
	}
}
