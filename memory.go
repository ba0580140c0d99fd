package reftable

import (
	"fmt"
	"sync"

	"github.com/vasi/reftable/except"
	"github.com/vasi/reftable/memref"
	"github.com/vasi/reftable/reclaim"
)

// mutableFlag is set in the high bit of every Ref that addresses the
// mutable region; refs into the immutable region never set it. IsWritable
// is therefore a single bit test, not a baseline comparison against a
// moving watermark.
const mutableFlag Ref = 1 << 63

// region is a bump allocator over a slice of slabs. Growth only appends to
// the outer slice, so a Ref decoded against an old slab count is still
// valid after growth: existing slabs, and the byte slices Bytes hands out
// for them, are never copied or reallocated. This mirrors the slab-indexed
// region used by the fixed-size-class allocator in the pack's memory
// manager example, simplified here to one variable-size slab per growth
// step rather than fixed-size classes.
type region struct {
	slabSize     int
	growthFactor float64 // multiplier applied to slabSize after each grow
	slabs        [][]byte
	bases        []int // bases[i] is the logical offset slabs[i] starts at
	cur          int   // write cursor within the last slab
}

func newRegion(slabSize int, growthFactor float64) *region {
	if slabSize <= 0 {
		slabSize = 1 << 16
	}
	if growthFactor <= 1.0 {
		growthFactor = 2.0
	}
	return &region{slabSize: slabSize, growthFactor: growthFactor}
}

func (r *region) grow(minSize int) {
	size := r.slabSize
	if minSize > size {
		size = minSize
	}
	base := 0
	if n := len(r.slabs); n > 0 {
		base = r.bases[n-1] + len(r.slabs[n-1])
	}
	r.slabs = append(r.slabs, make([]byte, size))
	r.bases = append(r.bases, base)
	r.cur = 0
	if next := int(float64(size) * r.growthFactor); next > r.slabSize {
		r.slabSize = next
	}
}

func (r *region) alloc(size int) int {
	size = memref.Align8(size)
	if len(r.slabs) == 0 || r.cur+size > len(r.slabs[len(r.slabs)-1]) {
		r.grow(size)
	}
	idx := len(r.slabs) - 1
	flat := r.bases[idx] + r.cur
	r.cur += size
	return flat
}

func (r *region) bytes(flat, size int) []byte {
	// Slabs only ever grow in size, and bases is sorted, so a linear scan
	// from the end finds the owning slab in O(recent growths).
	for i := len(r.bases) - 1; i >= 0; i-- {
		if flat >= r.bases[i] {
			off := flat - r.bases[i]
			return r.slabs[i][off : off+size]
		}
	}
	panic(fmt.Sprintf("reftable: ref %d not backed by any slab", flat))
}

// Memory is the ref-indirected allocator underlying a Store. It manages two
// independent regions: a mutable one backing the current write transaction,
// and an immutable one holding every committed image. Refs into one region
// are never valid against the other; the high bit of a Ref says which
// region it names.
type Memory struct {
	mu sync.Mutex

	mutable   *region
	immutable *region
	sizes     map[Ref]int
	reclaim   map[int]*reclaim.Worker // keyed by aligned size class
}

// NewMemory constructs an empty Memory using opts' initial capacity as a
// hint for the mutable region's first slab size.
func NewMemory(opts Options) *Memory {
	slabSize := opts.initialCapacity * 64
	if slabSize < 4096 {
		slabSize = 4096
	}
	return &Memory{
		mutable:   newRegion(slabSize, opts.growthFactor),
		immutable: newRegion(slabSize, opts.growthFactor),
		sizes:     make(map[Ref]int),
		reclaim:   make(map[int]*reclaim.Worker),
	}
}

func (m *Memory) reclaimerFor(sizeClass int) *reclaim.Worker {
	w, ok := m.reclaim[sizeClass]
	if !ok {
		w = reclaim.New()
		m.reclaim[sizeClass] = w
	}
	return w
}

// Alloc reserves size bytes in the mutable region and returns a writable
// ref to them, preferring a previously freed slot of the same size class
// over growing the region.
func (m *Memory) Alloc(size int) (Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizeClass := memref.Align8(size)
	if w, ok := m.reclaim[sizeClass]; ok {
		if slot, ok := w.Take(); ok {
			ref := Ref(slot) | mutableFlag
			buf := m.mutable.bytes(int(Ref(slot))-1, sizeClass)
			for i := range buf {
				buf[i] = 0
			}
			m.sizes[ref] = sizeClass
			return ref, nil
		}
		if err := w.Err(); err != nil {
			return 0, fmt.Errorf("reftable: reclaimer: %w", err)
		}
	}
	flat := m.mutable.alloc(sizeClass)
	ref := Ref(flat+1) | mutableFlag
	m.sizes[ref] = sizeClass
	return ref, nil
}

// AllocInFile reserves size bytes in the immutable region. Only Commit
// paths call this; application code never allocates immutable storage
// directly.
func (m *Memory) AllocInFile(size int) (Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizeClass := memref.Align8(size)
	flat := m.immutable.alloc(sizeClass)
	ref := Ref(flat + 1)
	m.sizes[ref] = sizeClass
	return ref, nil
}

// Free releases a mutable ref back to the allocator for reuse. Calling Free
// on an immutable ref is a programmer error: the old snapshot that still
// references it would be corrupted.
func (m *Memory) Free(ref Ref, size int) error {
	if ref == memref.Null {
		return nil
	}
	if ref&mutableFlag == 0 {
		except.ThrowOnError(fmt.Errorf("%w: ref %d", errWriteOnImmutable, ref))
	}
	m.mu.Lock()
	sizeClass := memref.Align8(size)
	delete(m.sizes, ref)
	w := m.reclaimerFor(sizeClass)
	m.mu.Unlock()
	w.Push(reclaim.Slot(ref &^ mutableFlag))
	return nil
}

// Bytes returns the live byte slice backing ref. The returned slice aliases
// the allocator's storage directly; callers must not retain it across a
// call that could grow the region it was read from... except that growth
// here only appends new slabs, so a slice returned before a grow stays
// valid for as long as the Memory itself is alive.
func (m *Memory) Bytes(ref Ref) ([]byte, error) {
	if ref == memref.Null {
		return nil, fmt.Errorf("reftable: null ref")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	size, ok := m.sizes[ref]
	if !ok {
		return nil, fmt.Errorf("reftable: unknown ref %d", ref)
	}
	if ref&mutableFlag != 0 {
		return m.mutable.bytes(int(ref&^mutableFlag)-1, size), nil
	}
	return m.immutable.bytes(int(ref)-1, size), nil
}

// IsWritable reports whether ref names a mutable allocation.
func (m *Memory) IsWritable(ref Ref) bool {
	return ref&mutableFlag != 0
}

// Close releases every background reclaimer goroutine. A Memory must not be
// used after Close.
func (m *Memory) Close() {
	m.mu.Lock()
	workers := make([]*reclaim.Worker, 0, len(m.reclaim))
	for _, w := range m.reclaim {
		workers = append(workers, w)
	}
	m.mu.Unlock()
	for _, w := range workers {
		w.Close()
	}
}
