package reftable

import (
	"github.com/vasi/reftable/cuckoo"
	"github.com/vasi/reftable/eio"
	"github.com/vasi/reftable/except"
)

// ClusterMgr is the PayloadMgr a Table hands to the cuckoo directory: it
// knows how to CoW, free, and commit a bucket's payload, where a payload is
// a small column-ref table pointing at one typed Array per schema column,
// each sized to the bucket's way count.
//
// It corresponds to the ClusterMgr/PayloadMgr split called for by keeping
// the cuckoo directory ignorant of column types: the directory only ever
// hands this type an opaque payload Ref and an index within it.
type ClusterMgr struct {
	mem    *Memory
	schema []Kind
	ways   int

	rowBuf [maxColumns]uint64
}

// NewClusterMgr validates schema and constructs a ClusterMgr for a
// directory whose buckets hold `ways` rows each.
func NewClusterMgr(mem *Memory, schema []Kind, ways int) (*ClusterMgr, error) {
	if len(schema) == 0 || len(schema) > maxColumns {
		except.Throw("%v: %d columns", errInvalidSchema, len(schema))
	}
	for _, k := range schema {
		if !k.valid() {
			except.Throw("%v: unknown column kind %q", errInvalidSchema, byte(k))
		}
	}
	return &ClusterMgr{mem: mem, schema: append([]Kind(nil), schema...), ways: ways}, nil
}

func (c *ClusterMgr) tableSize() int { return len(c.schema) * 8 }

// NewCluster allocates a fresh column-ref table with one array per schema
// column, each with capacity c.ways.
func (c *ClusterMgr) NewCluster() (Ref, error) {
	ref, err := c.mem.Alloc(c.tableSize())
	if err != nil {
		return 0, err
	}
	buf, err := c.mem.Bytes(ref)
	if err != nil {
		return 0, err
	}
	io := eio.NewIO(buf)
	for j, kind := range c.schema {
		colRef, err := newArray(c.mem, kind, c.ways)
		if err != nil {
			return 0, err
		}
		io.WriteUint64(j*8, uint64(colRef))
	}
	return ref, nil
}

func (c *ClusterMgr) colRefs(payload Ref) ([]Ref, error) {
	buf, err := c.mem.Bytes(payload)
	if err != nil {
		return nil, err
	}
	io := eio.NewIO(buf)
	refs := make([]Ref, len(c.schema))
	for j := range c.schema {
		refs[j] = Ref(io.ReadUint64(j * 8))
	}
	return refs, nil
}

func (c *ClusterMgr) setColRef(payload Ref, j int, ref Ref) error {
	buf, err := c.mem.Bytes(payload)
	if err != nil {
		return err
	}
	eio.NewIO(buf).WriteUint64(j*8, uint64(ref))
	return nil
}

// InitInternalBuffer zeroes the transient row buffer used to stage a row
// between a directory lookup and the column writes that follow it.
func (c *ClusterMgr) InitInternalBuffer() {
	for i := range c.rowBuf {
		c.rowBuf[i] = 0
	}
}

// ReadInternalBuffer loads row `index` of payload into the internal buffer.
func (c *ClusterMgr) ReadInternalBuffer(mem cuckoo.Memory, payload cuckoo.Ref, index int) error {
	refs, err := c.colRefs(Ref(payload))
	if err != nil {
		return err
	}
	for j, kind := range c.schema {
		v, err := arrayGetRaw(c.mem, refs[j], kind, index)
		if err != nil {
			return err
		}
		c.rowBuf[j] = v
	}
	return nil
}

// WriteInternalBuffer stores the internal buffer into row `index` of
// payload. Callers must have already CoW'd payload to writable.
func (c *ClusterMgr) WriteInternalBuffer(mem cuckoo.Memory, payload cuckoo.Ref, index int) error {
	refs, err := c.colRefs(Ref(payload))
	if err != nil {
		return err
	}
	for j, kind := range c.schema {
		if err := arraySetRaw(c.mem, refs[j], kind, index, c.rowBuf[j]); err != nil {
			return err
		}
	}
	return nil
}

// SwapInternalBuffer exchanges row `index` of payload with the internal
// buffer, used by the cuckoo directory's kick-displacement to move a
// victim row out of the way while the new row takes its slot.
func (c *ClusterMgr) SwapInternalBuffer(mem cuckoo.Memory, payload cuckoo.Ref, index int) error {
	refs, err := c.colRefs(Ref(payload))
	if err != nil {
		return err
	}
	for j, kind := range c.schema {
		old, err := arrayGetRaw(c.mem, refs[j], kind, index)
		if err != nil {
			return err
		}
		if err := arraySetRaw(c.mem, refs[j], kind, index, c.rowBuf[j]); err != nil {
			return err
		}
		c.rowBuf[j] = old
	}
	return nil
}

// Cow ensures payload (and every column array it points to) is writable and
// sized for newCap rows, cloning the column-ref table and each column array
// when needed. A null payload (an empty bucket) gets a fresh cluster.
func (c *ClusterMgr) Cow(mem cuckoo.Memory, payload *cuckoo.Ref, oldCap, newCap int) error {
	p := Ref(*payload)
	if p == 0 {
		ref, err := c.NewCluster()
		if err != nil {
			return err
		}
		*payload = cuckoo.Ref(ref)
		return nil
	}
	if c.mem.IsWritable(p) && oldCap == newCap {
		return nil
	}
	refs, err := c.colRefs(p)
	if err != nil {
		return err
	}
	newTable, err := c.mem.Alloc(c.tableSize())
	if err != nil {
		return err
	}
	for j, kind := range c.schema {
		colRef := refs[j]
		if err := arrayCow(c.mem, &colRef, kind, oldCap, newCap); err != nil {
			return err
		}
		if err := c.setColRef(newTable, j, colRef); err != nil {
			return err
		}
	}
	if c.mem.IsWritable(p) {
		c.mem.Free(p, c.tableSize())
	}
	*payload = cuckoo.Ref(newTable)
	return nil
}

// Free releases payload's column-ref table and every column array it owns.
func (c *ClusterMgr) Free(mem cuckoo.Memory, payload cuckoo.Ref, capacity int) error {
	p := Ref(payload)
	refs, err := c.colRefs(p)
	if err != nil {
		return err
	}
	for j, kind := range c.schema {
		if c.mem.IsWritable(refs[j]) {
			if err := arrayFree(c.mem, refs[j], kind, capacity); err != nil {
				return err
			}
		}
	}
	if c.mem.IsWritable(p) {
		return c.mem.Free(p, c.tableSize())
	}
	return nil
}

// Commit moves payload's column-ref table and every column array into the
// immutable region. It returns from unchanged if it is already immutable,
// preserving ref identity for buckets a write transaction never touched.
func (c *ClusterMgr) Commit(mem cuckoo.Memory, from cuckoo.Ref) (cuckoo.Ref, error) {
	p := Ref(from)
	if !c.mem.IsWritable(p) {
		return from, nil
	}
	refs, err := c.colRefs(p)
	if err != nil {
		return 0, err
	}
	newRefs := make([]Ref, len(c.schema))
	for j, kind := range c.schema {
		newColRef, err := arrayCommit(c.mem, refs[j], kind, c.ways)
		if err != nil {
			return 0, err
		}
		newRefs[j] = newColRef
	}
	newTable, err := c.mem.AllocInFile(c.tableSize())
	if err != nil {
		return 0, err
	}
	buf, err := c.mem.Bytes(newTable)
	if err != nil {
		return 0, err
	}
	io := eio.NewIO(buf)
	for j, ref := range newRefs {
		io.WriteUint64(j*8, uint64(ref))
	}
	c.mem.Free(p, c.tableSize())
	return cuckoo.Ref(newTable), nil
}

// rawValues and setRaw satisfy the cuckoo package's rawPayloadMgr, needed
// only when a directory grows and must dump and reinsert every live row.
func (c *ClusterMgr) rawValues() []uint64 {
	return append([]uint64(nil), c.rowBuf[:len(c.schema)]...)
}

func (c *ClusterMgr) setRaw(i int, v uint64) {
	c.rowBuf[i] = v
}
