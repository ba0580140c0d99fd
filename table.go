package reftable

import (
	"errors"
	"fmt"

	"github.com/vasi/reftable/cuckoo"
	"github.com/vasi/reftable/except"
)

// typeinfo describes one table's schema: the Kind of each column, in
// declaration order. It is validated once, at table creation, so every
// later operation can trust len(schema) <= maxColumns and every Kind is
// known.
type typeinfo []Kind

func (t typeinfo) validate() error {
	if len(t) == 0 || len(t) > maxColumns {
		return fmt.Errorf("%w: %d columns", errInvalidSchema, len(t))
	}
	for _, k := range t {
		if !k.valid() {
			return fmt.Errorf("%w: unknown column kind %q", errInvalidSchema, byte(k))
		}
	}
	return nil
}

// Table is one cuckoo-directory-backed collection of fixed-schema rows. A
// Table is reachable only through a Snapshot; View.Table, Txn.Table and
// Txn.CreateTable are the only ways to obtain one.
type Table struct {
	schema typeinfo
	cm     *ClusterMgr
	dir    cuckoo.Directory
}

func newTable(mem *Memory, schema []Kind, opts Options) (*Table, error) {
	ti := typeinfo(schema)
	if err := ti.validate(); err != nil {
		except.Throw(err.Error())
	}
	cm, err := NewClusterMgr(mem, schema, opts.bucketCapacity)
	if err != nil {
		return nil, err
	}
	dir, err := cuckoo.Init(mem, cuckoo.Options{
		InitialBuckets: opts.initialCapacity,
		BucketWays:     opts.bucketCapacity,
		MaxKicks:       opts.maxKicks,
	})
	if err != nil {
		return nil, err
	}
	return &Table{schema: ti, cm: cm, dir: dir}, nil
}

// clone returns a shallow copy suitable for a new write transaction: the
// cuckoo Directory header and ClusterMgr are copied by value, so the clone
// can mutate its own dir.SegTable (and cm's transient row buffer) without
// disturbing the original Table any other Snapshot still holds.
func (t *Table) clone() *Table {
	cmClone := *t.cm
	return &Table{schema: t.schema, cm: &cmClone, dir: t.dir}
}

func (t *Table) checkRow(values []uint64) error {
	if len(values) != len(t.schema) {
		return fmt.Errorf("%w: table has %d columns, got %d values", errColumnOutOfRange, len(t.schema), len(values))
	}
	return nil
}

// shiftKey and unshiftKey implement the directory's key<<1 convention: Table
// shifts every user key left by one going in and right by one coming back
// out, so the low bit of every key the cuckoo package sees is zero. The
// cuckoo package does not read that bit; slot occupancy is a separate byte.
func shiftKey(key uint64) uint64   { return key << 1 }
func unshiftKey(key uint64) uint64 { return key >> 1 }

// Insert writes values under key, overwriting any existing row for that
// exact key.
func (t *Table) Insert(mem *Memory, key uint64, values []uint64) error {
	if err := t.checkRow(values); err != nil {
		return err
	}
	t.cm.InitInternalBuffer()
	for j, v := range values {
		t.cm.setRaw(j, v)
	}
	if err := t.dir.Insert(mem, shiftKey(key), t.cm); err != nil {
		if errors.Is(err, cuckoo.ErrKickoutOverflow) {
			return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
		}
		return err
	}
	return nil
}

// Find returns the row stored under key.
func (t *Table) Find(mem *Memory, key uint64) ([]uint64, bool, error) {
	payload, idx, ok, err := t.dir.Find(mem, shiftKey(key))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if err := t.cm.ReadInternalBuffer(mem, payload, idx); err != nil {
		return nil, false, err
	}
	return t.cm.rawValues(), true, nil
}

// GetCluster resolves key to a read cursor: the payload ref and slot index
// the cuckoo directory currently has it at, and whether that payload is
// presently writable. It returns ErrNotFound if key names no row.
func (t *Table) GetCluster(mem *Memory, key uint64) (Object, error) {
	payload, idx, ok, err := t.dir.Find(mem, shiftKey(key))
	if err != nil {
		return Object{}, err
	}
	if !ok {
		return Object{}, ErrNotFound
	}
	return Object{tbl: t, key: key, cluster: Ref(payload), index: idx, writable: mem.IsWritable(Ref(payload))}, nil
}

// ChangeCluster resolves key to a write cursor, CoW-ing the route to its
// bucket and the bucket itself first so the returned cursor's cluster ref is
// always writable. It returns ErrNotFound if key names no row.
func (t *Table) ChangeCluster(mem *Memory, key uint64) (Object, error) {
	payload, idx, ok, err := t.dir.FindAndCowPath(mem, t.cm, shiftKey(key))
	if err != nil {
		return Object{}, err
	}
	if !ok {
		return Object{}, ErrNotFound
	}
	return Object{tbl: t, key: key, cluster: Ref(payload), index: idx, writable: true}, nil
}

// column validates col against the schema and returns its Kind.
func (t *Table) column(col int) (Kind, error) {
	if col < 0 || col >= len(t.schema) {
		return KindInvalid, fmt.Errorf("%w: column %d", errColumnOutOfRange, col)
	}
	return t.schema[col], nil
}

// SetCell overwrites one column of an existing row, CoW-ing the path to it
// first. It returns ErrNotFound if key names no row.
func (t *Table) SetCell(mem *Memory, key uint64, col int, v uint64) error {
	if _, err := t.column(col); err != nil {
		return err
	}
	payload, idx, ok, err := t.dir.FindAndCowPath(mem, t.cm, shiftKey(key))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := t.cm.ReadInternalBuffer(mem, payload, idx); err != nil {
		return err
	}
	t.cm.setRaw(col, v)
	return t.cm.WriteInternalBuffer(mem, payload, idx)
}

// GetCell reads one column of an existing row.
func (t *Table) GetCell(mem *Memory, key uint64, col int) (uint64, bool, error) {
	if _, err := t.column(col); err != nil {
		return 0, false, err
	}
	values, ok, err := t.Find(mem, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	return values[col], true, nil
}

// Commit moves every dirty bucket this Table's directory touched into the
// immutable region. It is only ever called on a Txn's tables as part of
// Txn.Commit.
func (t *Table) Commit(mem *Memory) error {
	return t.dir.CopiedToFile(mem, t.cm)
}

// Iterate visits every row in bucket order, stopping and returning fn's
// error if it returns non-nil.
func (t *Table) Iterate(mem *Memory, fn func(key uint64, values []uint64) error) error {
	var iter cuckoo.Iterator
	ok, err := t.dir.FirstAccess(mem, &iter)
	if err != nil {
		return err
	}
	for ok {
		shifted, err := t.dir.Key(mem, &iter)
		if err != nil {
			return err
		}
		key := unshiftKey(shifted)
		values, found, err := t.Find(mem, key)
		if err != nil {
			return err
		}
		if found {
			if err := fn(key, values); err != nil {
				return err
			}
		}
		ok, err = t.dir.Next(mem, &iter)
		if err != nil {
			return err
		}
	}
	return nil
}

// Schema returns the table's column kinds.
func (t *Table) Schema() []Kind {
	return append([]Kind(nil), t.schema...)
}
