package cuckoo

import (
	"fmt"
	"testing"

	"github.com/vasi/reftable/eio"
)

// fakeMemory is a minimal single-region allocator good enough to exercise
// the directory without any column-type machinery.
type fakeMemory struct {
	blocks   map[Ref][]byte
	writable map[Ref]bool
	next     uint64
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{blocks: map[Ref][]byte{}, writable: map[Ref]bool{}, next: 1}
}

func (m *fakeMemory) Alloc(size int) (Ref, error) {
	ref := Ref(m.next)
	m.next++
	m.blocks[ref] = make([]byte, size)
	m.writable[ref] = true
	return ref, nil
}

func (m *fakeMemory) AllocInFile(size int) (Ref, error) {
	ref, _ := m.Alloc(size)
	m.writable[ref] = false
	return ref, nil
}

func (m *fakeMemory) Free(ref Ref, size int) error {
	delete(m.blocks, ref)
	delete(m.writable, ref)
	return nil
}

func (m *fakeMemory) Bytes(ref Ref) ([]byte, error) {
	buf, ok := m.blocks[ref]
	if !ok {
		return nil, fmt.Errorf("unknown ref %d", ref)
	}
	return buf, nil
}

func (m *fakeMemory) IsWritable(ref Ref) bool { return m.writable[ref] }

// fakePayload is a PayloadMgr that stores one uint64 value per slot,
// directly in the payload block, with no nested column arrays.
type fakePayload struct {
	ways int
	buf  uint64
}

func (p *fakePayload) InitInternalBuffer()           { p.buf = 0 }
func (p *fakePayload) rawValues() []uint64           { return []uint64{p.buf} }
func (p *fakePayload) setRaw(i int, v uint64)         { p.buf = v }

func (p *fakePayload) ReadInternalBuffer(mem Memory, payload Ref, index int) error {
	buf, err := mem.Bytes(payload)
	if err != nil {
		return err
	}
	p.buf = eio.NewIO(buf).ReadUint64(index * 8)
	return nil
}

func (p *fakePayload) WriteInternalBuffer(mem Memory, payload Ref, index int) error {
	buf, err := mem.Bytes(payload)
	if err != nil {
		return err
	}
	eio.NewIO(buf).WriteUint64(index*8, p.buf)
	return nil
}

func (p *fakePayload) SwapInternalBuffer(mem Memory, payload Ref, index int) error {
	buf, err := mem.Bytes(payload)
	if err != nil {
		return err
	}
	io := eio.NewIO(buf)
	old := io.ReadUint64(index * 8)
	io.WriteUint64(index*8, p.buf)
	p.buf = old
	return nil
}

func (p *fakePayload) Cow(mem Memory, payload *Ref, oldCap, newCap int) error {
	if mem.IsWritable(*payload) && oldCap == newCap {
		return nil
	}
	newRef, err := mem.Alloc(newCap * 8)
	if err != nil {
		return err
	}
	if *payload != 0 {
		oldBuf, err := mem.Bytes(*payload)
		if err != nil {
			return err
		}
		newBuf, _ := mem.Bytes(newRef)
		copy(newBuf, oldBuf)
	}
	*payload = newRef
	return nil
}

func (p *fakePayload) Free(mem Memory, payload Ref, capacity int) error {
	return mem.Free(payload, capacity)
}

func (p *fakePayload) Commit(mem Memory, from Ref) (Ref, error) {
	if !mem.IsWritable(from) {
		return from, nil
	}
	buf, _ := mem.Bytes(from)
	newRef, err := mem.AllocInFile(len(buf))
	if err != nil {
		return 0, err
	}
	newBuf, _ := mem.Bytes(newRef)
	copy(newBuf, buf)
	return newRef, nil
}

func TestInsertFind(t *testing.T) {
	mem := newFakeMemory()
	dir, err := Init(mem, Options{InitialBuckets: 8, BucketWays: 4})
	if err != nil {
		t.Fatal(err)
	}
	pm := &fakePayload{}
	for _, key := range []uint64{1, 2, 3, 100, 200} {
		pm.InitInternalBuffer()
		pm.setRaw(0, key*10)
		if err := dir.Insert(mem, key, pm); err != nil {
			t.Fatalf("insert %d: %v", key, err)
		}
	}
	for _, key := range []uint64{1, 2, 3, 100, 200} {
		payload, idx, ok, err := dir.Find(mem, key)
		if err != nil || !ok {
			t.Fatalf("find %d: ok=%v err=%v", key, ok, err)
		}
		if err := pm.ReadInternalBuffer(mem, payload, idx); err != nil {
			t.Fatal(err)
		}
		if pm.buf != key*10 {
			t.Fatalf("key %d: got %d want %d", key, pm.buf, key*10)
		}
	}
	if _, _, ok, err := dir.Find(mem, 999); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestInsertOverwrite(t *testing.T) {
	mem := newFakeMemory()
	dir, err := Init(mem, Options{InitialBuckets: 8, BucketWays: 4})
	if err != nil {
		t.Fatal(err)
	}
	pm := &fakePayload{}
	pm.InitInternalBuffer()
	pm.setRaw(0, 7)
	if err := dir.Insert(mem, 42, pm); err != nil {
		t.Fatal(err)
	}
	pm.InitInternalBuffer()
	pm.setRaw(0, 9)
	if err := dir.Insert(mem, 42, pm); err != nil {
		t.Fatal(err)
	}
	payload, idx, ok, err := dir.Find(mem, 42)
	if err != nil || !ok {
		t.Fatalf("find: ok=%v err=%v", ok, err)
	}
	pm.ReadInternalBuffer(mem, payload, idx)
	if pm.buf != 9 {
		t.Fatalf("got %d want 9 (overwrite should replace, not duplicate)", pm.buf)
	}
}

func TestGrowOnOverflow(t *testing.T) {
	mem := newFakeMemory()
	dir, err := Init(mem, Options{InitialBuckets: 4, BucketWays: 2, MaxKicks: 4})
	if err != nil {
		t.Fatal(err)
	}
	pm := &fakePayload{}
	for i := uint64(0); i < 64; i++ {
		pm.InitInternalBuffer()
		pm.setRaw(0, i)
		if err := dir.Insert(mem, i, pm); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	for i := uint64(0); i < 64; i++ {
		if _, _, ok, err := dir.Find(mem, i); err != nil || !ok {
			t.Fatalf("after grow, find %d: ok=%v err=%v", i, ok, err)
		}
	}
}

func TestIterate(t *testing.T) {
	mem := newFakeMemory()
	dir, err := Init(mem, Options{InitialBuckets: 8, BucketWays: 4})
	if err != nil {
		t.Fatal(err)
	}
	pm := &fakePayload{}
	want := map[uint64]bool{1: true, 2: true, 5: true, 9: true}
	for key := range want {
		pm.InitInternalBuffer()
		pm.setRaw(0, key)
		if err := dir.Insert(mem, key, pm); err != nil {
			t.Fatal(err)
		}
	}
	got := map[uint64]bool{}
	var iter Iterator
	ok, err := dir.FirstAccess(mem, &iter)
	if err != nil {
		t.Fatal(err)
	}
	for ok {
		key, err := dir.Key(mem, &iter)
		if err != nil {
			t.Fatal(err)
		}
		got[key] = true
		ok, err = dir.Next(mem, &iter)
		if err != nil {
			t.Fatal(err)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for k := range want {
		if !got[k] {
			t.Fatalf("missing key %d from iteration", k)
		}
	}
}

func TestCoWPreservesOldSnapshot(t *testing.T) {
	mem := newFakeMemory()
	dir, err := Init(mem, Options{InitialBuckets: 8, BucketWays: 4})
	if err != nil {
		t.Fatal(err)
	}
	pm := &fakePayload{}
	pm.InitInternalBuffer()
	pm.setRaw(0, 1)
	if err := dir.Insert(mem, 10, pm); err != nil {
		t.Fatal(err)
	}
	if err := dir.CopiedToFile(mem, pm); err != nil {
		t.Fatal(err)
	}
	committed := dir // value copy, as Snapshot cloning would do

	pm.InitInternalBuffer()
	pm.setRaw(0, 2)
	if err := dir.Insert(mem, 11, pm); err != nil {
		t.Fatal(err)
	}

	if _, _, ok, err := committed.Find(mem, 11); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("old directory snapshot should not see a row inserted after it was copied")
	}
	if _, _, ok, err := dir.Find(mem, 11); err != nil || !ok {
		t.Fatalf("current directory should see its own insert: ok=%v err=%v", ok, err)
	}
	if _, _, ok, err := committed.Find(mem, 10); err != nil || !ok {
		t.Fatalf("old directory should still see the row committed before the fork: ok=%v err=%v", ok, err)
	}
}
