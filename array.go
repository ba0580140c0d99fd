package reftable

import (
	"fmt"

	"github.com/vasi/reftable/eio"
	"github.com/vasi/reftable/except"
)

// arrayHeaderSize is the fixed-size capacity field at the front of every
// array block. The element count isn't tracked separately: a column array
// is always exactly as long as its table's row capacity, so capacity alone
// is enough to bounds-check every access.
const arrayHeaderSize = 8

func elemOffset(idx int, width int) int {
	return arrayHeaderSize + idx*width
}

func arrayBlockSize(capacity int, kind Kind) int {
	return arrayHeaderSize + capacity*kind.width()
}

// newArray allocates a zeroed array block of the given kind and capacity in
// the mutable region.
func newArray(mem *Memory, kind Kind, capacity int) (Ref, error) {
	if !kind.valid() {
		return 0, fmt.Errorf("%w: kind %v", errInvalidSchema, kind)
	}
	ref, err := mem.Alloc(arrayBlockSize(capacity, kind))
	if err != nil {
		return 0, err
	}
	buf, err := mem.Bytes(ref)
	if err != nil {
		return 0, err
	}
	eio.NewIO(buf).WriteUint64(0, uint64(capacity))
	return ref, nil
}

func arrayCapacity(mem *Memory, ref Ref) (int, error) {
	buf, err := mem.Bytes(ref)
	if err != nil {
		return 0, err
	}
	return int(eio.NewIO(buf).ReadUint64(0)), nil
}

func checkIndex(idx, capacity int) error {
	if idx < 0 || idx >= capacity {
		return fmt.Errorf("reftable: array index %d out of range [0,%d)", idx, capacity)
	}
	return nil
}

// arrayGetRaw reads the raw 64-bit cell at idx regardless of kind; for
// KindFloat32 columns only the low 32 bits are meaningful.
func arrayGetRaw(mem *Memory, ref Ref, kind Kind, idx int) (uint64, error) {
	buf, err := mem.Bytes(ref)
	if err != nil {
		return 0, err
	}
	capacity := int(eio.NewIO(buf).ReadUint64(0))
	if err := checkIndex(idx, capacity); err != nil {
		return 0, err
	}
	off := elemOffset(idx, kind.width())
	io := eio.NewIO(buf)
	switch kind.width() {
	case 4:
		return uint64(io.ReadUint32(off)), nil
	default:
		return io.ReadUint64(off), nil
	}
}

// arraySetRaw writes the raw 64-bit cell at idx, panicking via except if ref
// is immutable: every caller is expected to have cowed the array first.
func arraySetRaw(mem *Memory, ref Ref, kind Kind, idx int, v uint64) error {
	if !mem.IsWritable(ref) {
		except.ThrowOnError(fmt.Errorf("%w: array ref %d", errWriteOnImmutable, ref))
	}
	buf, err := mem.Bytes(ref)
	if err != nil {
		return err
	}
	capacity := int(eio.NewIO(buf).ReadUint64(0))
	if err := checkIndex(idx, capacity); err != nil {
		return err
	}
	off := elemOffset(idx, kind.width())
	io := eio.NewIO(buf)
	switch kind.width() {
	case 4:
		io.WriteUint32(off, uint32(v))
	default:
		io.WriteUint64(off, v)
	}
	return nil
}

// arrayCow ensures ref is writable and has room for newCap elements,
// cloning into a fresh mutable block whenever ref is currently immutable or
// needs to grow. It never shrinks in place: a shrink still goes through a
// fresh allocation so the old block stays valid for whatever snapshot
// reached it.
func arrayCow(mem *Memory, ref *Ref, kind Kind, oldCap, newCap int) error {
	if mem.IsWritable(*ref) && newCap == oldCap {
		return nil
	}
	oldBuf, err := mem.Bytes(*ref)
	if err != nil {
		return err
	}
	newRef, err := newArray(mem, kind, newCap)
	if err != nil {
		return err
	}
	newBuf, err := mem.Bytes(newRef)
	if err != nil {
		return err
	}
	n := oldCap
	if newCap < n {
		n = newCap
	}
	copy(newBuf[arrayHeaderSize:arrayHeaderSize+n*kind.width()], oldBuf[arrayHeaderSize:arrayHeaderSize+n*kind.width()])
	if mem.IsWritable(*ref) {
		mem.Free(*ref, arrayBlockSize(oldCap, kind))
	}
	*ref = newRef
	return nil
}

// arrayFree releases an array block. It is a programmer error to call this
// on an immutable ref.
func arrayFree(mem *Memory, ref Ref, kind Kind, capacity int) error {
	return mem.Free(ref, arrayBlockSize(capacity, kind))
}

// arrayCommit moves a mutable array block into the immutable region,
// returning the existing ref unchanged if it is already immutable.
func arrayCommit(mem *Memory, ref Ref, kind Kind, capacity int) (Ref, error) {
	if !mem.IsWritable(ref) {
		return ref, nil
	}
	oldBuf, err := mem.Bytes(ref)
	if err != nil {
		return 0, err
	}
	size := arrayBlockSize(capacity, kind)
	newRef, err := mem.AllocInFile(size)
	if err != nil {
		return 0, err
	}
	newBuf, err := mem.Bytes(newRef)
	if err != nil {
		return 0, err
	}
	copy(newBuf, oldBuf)
	mem.Free(ref, size)
	return newRef, nil
}
