// Package cuckoo implements the multi-way cuckoo-hashed directory that maps
// table keys to (payload, slot) pairs over copy-on-write-managed buckets.
//
// The directory never interprets a payload's contents; every mutation of a
// payload is delegated to a PayloadMgr supplied by the caller on each
// mutating call, so this package compiles and is fully testable without any
// knowledge of column types or cluster layout. It generalizes the
// bucketized design in salviati/cuckoo (configurable ways per bucket,
// multi-hash probing, displacement on collision, here of a fixed victim
// slot rather than a random walk) to a
// directory whose buckets themselves live behind CoW-managed refs, in the
// style of the L1/L2 copy-on-write table walk in the teacher package's
// guest.go: a lookup that needs to mutate clones the node it touches,
// rewrites the parent's pointer to the clone, and leaves every sibling
// subtree shared with whatever snapshot still references it.
package cuckoo

import (
	"errors"
	"fmt"

	"github.com/vasi/reftable/eio"
	"github.com/vasi/reftable/memref"
)

// Ref re-exports memref.Ref so callers of this package need not import
// memref directly for the common case.
type Ref = memref.Ref

// ErrKickoutOverflow is returned when a row cannot be placed even after the
// directory has grown and retried once.
var ErrKickoutOverflow = errors.New("cuckoo: kickout overflow")

// Memory is the subset of the allocator the directory needs. A concrete
// allocator satisfies this structurally; the directory never imports one.
type Memory interface {
	Alloc(size int) (Ref, error)
	AllocInFile(size int) (Ref, error)
	Free(ref Ref, size int) error
	Bytes(ref Ref) ([]byte, error)
	IsWritable(ref Ref) bool
}

// PayloadMgr is the policy object the directory delegates payload mutation
// to. ClusterMgr is the production implementation; tests may supply a
// trivial one that treats the payload ref as an opaque scalar.
type PayloadMgr interface {
	InitInternalBuffer()
	ReadInternalBuffer(mem Memory, payload Ref, index int) error
	WriteInternalBuffer(mem Memory, payload Ref, index int) error
	SwapInternalBuffer(mem Memory, payload Ref, index int) error
	Cow(mem Memory, payload *Ref, oldCap, newCap int) error
	Free(mem Memory, payload Ref, capacity int) error
	Commit(mem Memory, from Ref) (Ref, error)
}

// Options configures a Directory at Init time.
type Options struct {
	InitialBuckets int // rounded up to a power of two; default 16
	BucketWays     int // slots per bucket, i.e. payload capacity; default 4
	SegBuckets     int // buckets grouped per CoW-able segment; default 8
	MaxKicks       int // 0 derives a bound from InitialBuckets
}

func (o Options) normalized() Options {
	if o.InitialBuckets <= 0 {
		o.InitialBuckets = 16
	}
	o.InitialBuckets = nextPow2(o.InitialBuckets)
	if o.BucketWays <= 0 {
		o.BucketWays = 4
	}
	if o.SegBuckets <= 0 {
		o.SegBuckets = 8
	}
	if o.SegBuckets > o.InitialBuckets {
		o.SegBuckets = o.InitialBuckets
	}
	if o.MaxKicks <= 0 {
		o.MaxKicks = maxKicksFor(o.InitialBuckets)
	}
	return o
}

func maxKicksFor(numBuckets int) int {
	k := 0
	for n := numBuckets; n > 1; n >>= 1 {
		k++
	}
	bound := 8 * k
	if bound < 32 {
		bound = 32
	}
	return bound
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Directory is the small, frequently-copied header describing a cuckoo
// table. It is designed to be embedded by value inside a caller's own
// fixed-size record (mirroring how the original `_Table` embeds its Cuckoo
// member directly): Init returns a fresh one, grow mutates it in place, and the caller is
// responsible for persisting it alongside whatever else it stores.
type Directory struct {
	NumBuckets  uint32
	BucketWays  int
	SegBuckets  int
	MaxKicks    int
	NumSegments uint32
	SegTable    Ref // ref to an array of NumSegments x uint64 segment refs
}

const segTableEntryWidth = 8

func bucketRecordSize(ways int) int {
	// payload ref + per-way (key + occupied byte, padded to 8 bytes)
	return 8 + ways*16
}

func segmentSize(segBuckets, ways int) int {
	return segBuckets * bucketRecordSize(ways)
}

// Init allocates a fresh, empty directory.
func Init(mem Memory, opts Options) (Directory, error) {
	opts = opts.normalized()
	numSegments := int(opts.InitialBuckets) / opts.SegBuckets
	segTableRef, err := mem.Alloc(numSegments * segTableEntryWidth)
	if err != nil {
		return Directory{}, err
	}
	segTableBuf, err := mem.Bytes(segTableRef)
	if err != nil {
		return Directory{}, err
	}
	io := eio.NewIO(segTableBuf)
	segSize := segmentSize(opts.SegBuckets, opts.BucketWays)
	for i := 0; i < numSegments; i++ {
		segRef, err := mem.Alloc(segSize)
		if err != nil {
			return Directory{}, err
		}
		io.WriteUint64(i*segTableEntryWidth, uint64(segRef))
	}
	return Directory{
		NumBuckets:  uint32(opts.InitialBuckets),
		BucketWays:  opts.BucketWays,
		SegBuckets:  opts.SegBuckets,
		MaxKicks:    opts.MaxKicks,
		NumSegments: uint32(numSegments),
		SegTable:    segTableRef,
	}, nil
}

func (d *Directory) segmentSize() int {
	return segmentSize(d.SegBuckets, d.BucketWays)
}

func (d *Directory) bucketRecordSize() int {
	return bucketRecordSize(d.BucketWays)
}

func (d *Directory) locate(bucket uint32) (segIdx uint32, bucketInSeg int) {
	return bucket / uint32(d.SegBuckets), int(bucket % uint32(d.SegBuckets))
}

func (d *Directory) segmentRef(mem Memory, segIdx uint32) (Ref, error) {
	buf, err := mem.Bytes(d.SegTable)
	if err != nil {
		return 0, err
	}
	return Ref(eio.NewIO(buf).ReadUint64(int(segIdx) * segTableEntryWidth)), nil
}

func (d *Directory) setSegmentRef(mem Memory, segIdx uint32, ref Ref) error {
	buf, err := mem.Bytes(d.SegTable)
	if err != nil {
		return err
	}
	eio.NewIO(buf).WriteUint64(int(segIdx)*segTableEntryWidth, uint64(ref))
	return nil
}

// cowSegTable ensures d.SegTable is writable, cloning it if necessary.
func (d *Directory) cowSegTable(mem Memory) error {
	if mem.IsWritable(d.SegTable) {
		return nil
	}
	oldBuf, err := mem.Bytes(d.SegTable)
	if err != nil {
		return err
	}
	newRef, err := mem.Alloc(len(oldBuf))
	if err != nil {
		return err
	}
	newBuf, err := mem.Bytes(newRef)
	if err != nil {
		return err
	}
	copy(newBuf, oldBuf)
	d.SegTable = newRef
	return nil
}

// cowSegment returns a writable ref for the segment containing bucket,
// cowing the segment block and, if needed, the segment table, and leaves
// the segment's new location persisted in the (now writable) segment table.
func (d *Directory) cowSegment(mem Memory, bucket uint32) (Ref, int, error) {
	segIdx, bucketInSeg := d.locate(bucket)
	segRef, err := d.segmentRef(mem, segIdx)
	if err != nil {
		return 0, 0, err
	}
	if mem.IsWritable(segRef) {
		return segRef, bucketInSeg, nil
	}
	oldBuf, err := mem.Bytes(segRef)
	if err != nil {
		return 0, 0, err
	}
	newRef, err := mem.Alloc(len(oldBuf))
	if err != nil {
		return 0, 0, err
	}
	newBuf, err := mem.Bytes(newRef)
	if err != nil {
		return 0, 0, err
	}
	copy(newBuf, oldBuf)
	if err := d.cowSegTable(mem); err != nil {
		return 0, 0, err
	}
	if err := d.setSegmentRef(mem, segIdx, newRef); err != nil {
		return 0, 0, err
	}
	return newRef, bucketInSeg, nil
}

func bucketPayload(buf []byte, bucketInSeg, ways int) Ref {
	off := bucketInSeg * bucketRecordSize(ways)
	return Ref(eio.NewIO(buf).ReadUint64(off))
}

func setBucketPayload(buf []byte, bucketInSeg, ways int, ref Ref) {
	off := bucketInSeg * bucketRecordSize(ways)
	eio.NewIO(buf).WriteUint64(off, uint64(ref))
}

func slotOffset(bucketInSeg, way, ways int) int {
	return bucketInSeg*bucketRecordSize(ways) + 8 + way*16
}

func slotOccupied(buf []byte, bucketInSeg, way, ways int) bool {
	return eio.NewIO(buf).ReadUint8(slotOffset(bucketInSeg, way, ways)+8) != 0
}

func setSlotOccupied(buf []byte, bucketInSeg, way, ways int, occupied bool) {
	v := uint8(0)
	if occupied {
		v = 1
	}
	eio.NewIO(buf).WriteUint8(slotOffset(bucketInSeg, way, ways)+8, v)
}

func slotKey(buf []byte, bucketInSeg, way, ways int) uint64 {
	return eio.NewIO(buf).ReadUint64(slotOffset(bucketInSeg, way, ways))
}

func setSlotKey(buf []byte, bucketInSeg, way, ways int, key uint64) {
	eio.NewIO(buf).WriteUint64(slotOffset(bucketInSeg, way, ways), key)
}

func mix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	x ^= x >> 31
	return x
}

func (d *Directory) candidates(key uint64) (h1, h2 uint32) {
	mask := uint64(d.NumBuckets - 1)
	h1 = uint32(mix64(key) & mask)
	h2 = uint32(mix64(key^0x9E3779B97F4A7C15) & mask)
	return
}

// Find looks up key without mutating anything.
func (d *Directory) Find(mem Memory, key uint64) (payload Ref, index int, ok bool, err error) {
	h1, h2 := d.candidates(key)
	for _, b := range [2]uint32{h1, h2} {
		segIdx, bucketInSeg := d.locate(b)
		segRef, err := d.segmentRef(mem, segIdx)
		if err != nil {
			return 0, 0, false, err
		}
		buf, err := mem.Bytes(segRef)
		if err != nil {
			return 0, 0, false, err
		}
		payload := bucketPayload(buf, bucketInSeg, d.BucketWays)
		if payload == 0 {
			continue
		}
		for w := 0; w < d.BucketWays; w++ {
			if slotOccupied(buf, bucketInSeg, w, d.BucketWays) && slotKey(buf, bucketInSeg, w, d.BucketWays) == key {
				return payload, w, true, nil
			}
		}
	}
	return 0, 0, false, nil
}

// FindAndCowPath is like Find, but additionally cows the path from the
// directory root to the hit bucket and the bucket's payload, guaranteeing
// the returned payload is writable.
func (d *Directory) FindAndCowPath(mem Memory, pm PayloadMgr, key uint64) (payload Ref, index int, ok bool, err error) {
	h1, h2 := d.candidates(key)
	for _, b := range [2]uint32{h1, h2} {
		segIdx, bucketInSeg := d.locate(b)
		segRef, err := d.segmentRef(mem, segIdx)
		if err != nil {
			return 0, 0, false, err
		}
		readBuf, err := mem.Bytes(segRef)
		if err != nil {
			return 0, 0, false, err
		}
		rawPayload := bucketPayload(readBuf, bucketInSeg, d.BucketWays)
		if rawPayload == 0 {
			continue
		}
		way := -1
		for w := 0; w < d.BucketWays; w++ {
			if slotOccupied(readBuf, bucketInSeg, w, d.BucketWays) && slotKey(readBuf, bucketInSeg, w, d.BucketWays) == key {
				way = w
				break
			}
		}
		if way < 0 {
			continue
		}
		segRef, bucketInSeg, err = d.cowSegment(mem, b)
		if err != nil {
			return 0, 0, false, err
		}
		buf, err := mem.Bytes(segRef)
		if err != nil {
			return 0, 0, false, err
		}
		p := bucketPayload(buf, bucketInSeg, d.BucketWays)
		if err := pm.Cow(mem, &p, d.BucketWays, d.BucketWays); err != nil {
			return 0, 0, false, err
		}
		setBucketPayload(buf, bucketInSeg, d.BucketWays, p)
		return p, way, true, nil
	}
	return 0, 0, false, nil
}

// Insert places the row currently sitting in pm's internal buffer under
// keyShifted, overwriting any existing row for that exact key.
func (d *Directory) Insert(mem Memory, keyShifted uint64, pm PayloadMgr) error {
	if err := d.insertOnce(mem, keyShifted, pm); err != nil {
		if errors.Is(err, ErrKickoutOverflow) {
			if growErr := d.grow(mem, pm); growErr != nil {
				return growErr
			}
			return d.insertOnce(mem, keyShifted, pm)
		}
		return err
	}
	return nil
}

func (d *Directory) insertOnce(mem Memory, keyShifted uint64, pm PayloadMgr) error {
	// An existing row for this key is overwritten where it is, in whichever
	// candidate bucket holds it, before any free slot is considered.
	if payload, way, ok, err := d.FindAndCowPath(mem, pm, keyShifted); err != nil {
		return err
	} else if ok {
		return pm.WriteInternalBuffer(mem, payload, way)
	}
	curKey := keyShifted
	for kicks := 0; kicks <= d.MaxKicks; kicks++ {
		h1, h2 := d.candidates(curKey)
		for _, b := range [2]uint32{h1, h2} {
			segRef, bucketInSeg, err := d.cowSegment(mem, b)
			if err != nil {
				return err
			}
			buf, err := mem.Bytes(segRef)
			if err != nil {
				return err
			}
			payload := bucketPayload(buf, bucketInSeg, d.BucketWays)
			freeSlot, matchSlot := -1, -1
			for w := 0; w < d.BucketWays; w++ {
				if slotOccupied(buf, bucketInSeg, w, d.BucketWays) {
					if slotKey(buf, bucketInSeg, w, d.BucketWays) == curKey {
						matchSlot = w
					}
				} else if freeSlot < 0 {
					freeSlot = w
				}
			}
			slot := matchSlot
			if slot < 0 {
				slot = freeSlot
			}
			if slot < 0 {
				continue
			}
			if err := pm.Cow(mem, &payload, d.BucketWays, d.BucketWays); err != nil {
				return err
			}
			setBucketPayload(buf, bucketInSeg, d.BucketWays, payload)
			if err := pm.WriteInternalBuffer(mem, payload, slot); err != nil {
				return err
			}
			if matchSlot < 0 {
				setSlotOccupied(buf, bucketInSeg, slot, d.BucketWays, true)
				setSlotKey(buf, bucketInSeg, slot, d.BucketWays, curKey)
			}
			return nil
		}

		// Both candidate buckets are full: evict a fixed victim slot from
		// h1 and keep trying to place the displaced row. A production
		// bucketized cuckoo table picks the victim by a random walk; a
		// fixed slot is a documented simplification that still terminates
		// within MaxKicks for the load factors this directory targets.
		segRef, bucketInSeg, err := d.cowSegment(mem, h1)
		if err != nil {
			return err
		}
		buf, err := mem.Bytes(segRef)
		if err != nil {
			return err
		}
		payload := bucketPayload(buf, bucketInSeg, d.BucketWays)
		if err := pm.Cow(mem, &payload, d.BucketWays, d.BucketWays); err != nil {
			return err
		}
		setBucketPayload(buf, bucketInSeg, d.BucketWays, payload)
		const victim = 0
		victimKey := slotKey(buf, bucketInSeg, victim, d.BucketWays)
		if err := pm.SwapInternalBuffer(mem, payload, victim); err != nil {
			return err
		}
		setSlotKey(buf, bucketInSeg, victim, d.BucketWays, curKey)
		setSlotOccupied(buf, bucketInSeg, victim, d.BucketWays, true)
		curKey = victimKey
	}
	return ErrKickoutOverflow
}

// grow doubles the number of buckets and reinserts every live row. It is
// the documented fallback for KickoutOverflow (see REDESIGN notes).
func (d *Directory) grow(mem Memory, pm PayloadMgr) error {
	rows, err := d.dumpRows(mem, pm)
	if err != nil {
		return err
	}
	rpm := pm.(rawPayloadMgr) // dumpRows has already checked this
	fresh, err := Init(mem, Options{
		InitialBuckets: int(d.NumBuckets) * 2,
		BucketWays:     d.BucketWays,
		SegBuckets:     d.SegBuckets,
	})
	if err != nil {
		return err
	}
	*d = fresh
	for _, row := range rows {
		for i, v := range row.values {
			rpm.setRaw(i, v)
		}
		if err := d.insertOnce(mem, row.key, pm); err != nil {
			return fmt.Errorf("cuckoo: grow could not reinsert key %d: %w", row.key, err)
		}
	}
	return nil
}

type rawRow struct {
	key    uint64
	values []uint64
}

// rawPayloadMgr is satisfied by PayloadMgr implementations that also expose
// raw access to their internal buffer, needed only by grow's dump/reinsert
// cycle.
type rawPayloadMgr interface {
	PayloadMgr
	rawValues() []uint64
	setRaw(i int, v uint64)
}

func (d *Directory) dumpRows(mem Memory, pm PayloadMgr) ([]rawRow, error) {
	rpm, ok := pm.(rawPayloadMgr)
	if !ok {
		return nil, errors.New("cuckoo: payload manager does not support grow")
	}
	var rows []rawRow
	for seg := uint32(0); seg < d.NumSegments; seg++ {
		segRef, err := d.segmentRef(mem, seg)
		if err != nil {
			return nil, err
		}
		buf, err := mem.Bytes(segRef)
		if err != nil {
			return nil, err
		}
		for bi := 0; bi < d.SegBuckets; bi++ {
			payload := bucketPayload(buf, bi, d.BucketWays)
			if payload == 0 {
				continue
			}
			for w := 0; w < d.BucketWays; w++ {
				if !slotOccupied(buf, bi, w, d.BucketWays) {
					continue
				}
				key := slotKey(buf, bi, w, d.BucketWays)
				if err := pm.ReadInternalBuffer(mem, payload, w); err != nil {
					return nil, err
				}
				values := append([]uint64(nil), rpm.rawValues()...)
				rows = append(rows, rawRow{key: key, values: values})
			}
		}
	}
	return rows, nil
}

// Iterator walks every occupied slot of a Directory in bucket order.
type Iterator struct {
	seg, bucket, way uint32
	done             bool
}

// FirstAccess initializes iter to the first occupied slot, returning false
// if the directory is empty.
func (d *Directory) FirstAccess(mem Memory, iter *Iterator) (bool, error) {
	*iter = Iterator{}
	if ok, err := d.currentValid(mem, iter); err != nil || ok {
		return ok, err
	}
	return d.advance(mem, iter)
}

// Next advances iter to the next occupied slot.
func (d *Directory) Next(mem Memory, iter *Iterator) (bool, error) {
	iter.way++
	return d.advance(mem, iter)
}

// Key returns the (shifted) key at the iterator's current position.
func (d *Directory) Key(mem Memory, iter *Iterator) (uint64, error) {
	segRef, err := d.segmentRef(mem, iter.seg)
	if err != nil {
		return 0, err
	}
	buf, err := mem.Bytes(segRef)
	if err != nil {
		return 0, err
	}
	return slotKey(buf, int(iter.bucket), int(iter.way), d.BucketWays), nil
}

func (d *Directory) currentValid(mem Memory, iter *Iterator) (bool, error) {
	if iter.done || iter.seg >= d.NumSegments {
		return false, nil
	}
	segRef, err := d.segmentRef(mem, iter.seg)
	if err != nil {
		return false, err
	}
	buf, err := mem.Bytes(segRef)
	if err != nil {
		return false, err
	}
	if bucketPayload(buf, int(iter.bucket), d.BucketWays) == 0 {
		return false, nil
	}
	return slotOccupied(buf, int(iter.bucket), int(iter.way), d.BucketWays), nil
}

func (d *Directory) advance(mem Memory, iter *Iterator) (bool, error) {
	for {
		if int(iter.way) >= d.BucketWays {
			iter.way = 0
			iter.bucket++
		}
		if int(iter.bucket) >= d.SegBuckets {
			iter.bucket = 0
			iter.seg++
		}
		if iter.seg >= d.NumSegments {
			iter.done = true
			return false, nil
		}
		if ok, err := d.currentValid(mem, iter); err != nil {
			return false, err
		} else if ok {
			return true, nil
		}
		iter.way++
	}
}

// CopiedToFile recursively commits every dirty segment and the segment
// table into the immutable region, via pm.Commit for each live payload.
func (d *Directory) CopiedToFile(mem Memory, pm PayloadMgr) error {
	segSize := d.segmentSize()
	dirty := false
	newSegRefs := make([]Ref, d.NumSegments)
	for seg := uint32(0); seg < d.NumSegments; seg++ {
		segRef, err := d.segmentRef(mem, seg)
		if err != nil {
			return err
		}
		if !mem.IsWritable(segRef) {
			newSegRefs[seg] = segRef
			continue
		}
		dirty = true
		oldBuf, err := mem.Bytes(segRef)
		if err != nil {
			return err
		}
		newRef, err := mem.AllocInFile(segSize)
		if err != nil {
			return err
		}
		newBuf, err := mem.Bytes(newRef)
		if err != nil {
			return err
		}
		copy(newBuf, oldBuf)
		for bi := 0; bi < d.SegBuckets; bi++ {
			payload := bucketPayload(newBuf, bi, d.BucketWays)
			if payload == 0 {
				continue
			}
			newPayload, err := pm.Commit(mem, payload)
			if err != nil {
				return err
			}
			setBucketPayload(newBuf, bi, d.BucketWays, newPayload)
		}
		mem.Free(segRef, len(oldBuf))
		newSegRefs[seg] = newRef
	}
	if !dirty {
		return nil
	}
	oldSegTable := d.SegTable
	newSegTable, err := mem.AllocInFile(int(d.NumSegments) * segTableEntryWidth)
	if err != nil {
		return err
	}
	buf, err := mem.Bytes(newSegTable)
	if err != nil {
		return err
	}
	io := eio.NewIO(buf)
	for i, ref := range newSegRefs {
		io.WriteUint64(i*segTableEntryWidth, uint64(ref))
	}
	if mem.IsWritable(oldSegTable) {
		mem.Free(oldSegTable, int(d.NumSegments)*segTableEntryWidth)
	}
	d.SegTable = newSegTable
	return nil
}
