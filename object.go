package reftable

import (
	"fmt"
	"math"
)

// Object is a cursor onto one row of one Table: the resolved cluster
// (payload) ref, the row's slot index within it, whether that cluster is
// currently writable, and a back-reference to the Snapshot (a Txn or View)
// that resolved it. Table.GetCluster/ChangeCluster are what fill in a fresh
// Object. Set re-resolves the row through the owning Snapshot's Change on
// every call, so it always writes the current writable clone; Get reads
// through the cluster/index the Object already holds (Refresh never rebinds
// it), so it does not see a CoW made through a different Object.
type Object struct {
	tbl      *Table
	snap     Snapshot
	key      uint64
	cluster  Ref
	index    int
	writable bool
}

// Key returns the row key this Object addresses.
func (o *Object) Key() uint64 { return o.key }

// Get reads column col as T, which must match the column's declared Kind:
// uint64<->KindUint, int64<->KindInt, float32<->KindFloat32,
// float64<->KindFloat64, TableRef<->KindTableRef, RowRef<->KindRowRef.
func Get[T any](o *Object, col int) (T, error) {
	var zero T
	kind, err := o.tbl.column(col)
	if err != nil {
		return zero, err
	}
	mem, err := o.snap.Refresh(o)
	if err != nil {
		return zero, err
	}
	refs, err := o.tbl.cm.colRefs(o.cluster)
	if err != nil {
		return zero, err
	}
	raw, err := arrayGetRaw(mem, refs[col], kind, o.index)
	if err != nil {
		return zero, err
	}
	return decode[T](kind, raw)
}

// Set writes value into column col, which must match the column's declared
// Kind. Writing CoWs the row's path via the owning Snapshot's Change, which
// rebinds the Object's cluster/index to the writable clone before the cell
// write lands.
func Set[T any](o *Object, col int, value T) error {
	kind, err := o.tbl.column(col)
	if err != nil {
		return err
	}
	mem, err := o.snap.Change(o)
	if err != nil {
		return err
	}
	raw, err := encode(kind, value)
	if err != nil {
		return err
	}
	refs, err := o.tbl.cm.colRefs(o.cluster)
	if err != nil {
		return err
	}
	return arraySetRaw(mem, refs[col], kind, o.index, raw)
}

func kindMismatch(kind Kind, want string) error {
	return fmt.Errorf("%w: column is %v, not %s", errColumnKindMismatch, kind, want)
}

func decode[T any](kind Kind, raw uint64) (T, error) {
	var zero T
	switch any(zero).(type) {
	case uint64:
		if kind != KindUint {
			return zero, kindMismatch(kind, "uint64")
		}
		return any(raw).(T), nil
	case int64:
		if kind != KindInt {
			return zero, kindMismatch(kind, "int64")
		}
		return any(int64(raw)).(T), nil
	case float32:
		if kind != KindFloat32 {
			return zero, kindMismatch(kind, "float32")
		}
		return any(math.Float32frombits(uint32(raw))).(T), nil
	case float64:
		if kind != KindFloat64 {
			return zero, kindMismatch(kind, "float64")
		}
		return any(math.Float64frombits(raw)).(T), nil
	case TableRef:
		if kind != KindTableRef {
			return zero, kindMismatch(kind, "TableRef")
		}
		return any(TableRef(raw)).(T), nil
	case RowRef:
		if kind != KindRowRef {
			return zero, kindMismatch(kind, "RowRef")
		}
		return any(RowRef(raw)).(T), nil
	default:
		return zero, fmt.Errorf("reftable: unsupported Go type for Get/Set")
	}
}

func encode[T any](kind Kind, value T) (uint64, error) {
	switch v := any(value).(type) {
	case uint64:
		if kind != KindUint {
			return 0, kindMismatch(kind, "uint64")
		}
		return v, nil
	case int64:
		if kind != KindInt {
			return 0, kindMismatch(kind, "int64")
		}
		return uint64(v), nil
	case float32:
		if kind != KindFloat32 {
			return 0, kindMismatch(kind, "float32")
		}
		return uint64(math.Float32bits(v)), nil
	case float64:
		if kind != KindFloat64 {
			return 0, kindMismatch(kind, "float64")
		}
		return math.Float64bits(v), nil
	case TableRef:
		if kind != KindTableRef {
			return 0, kindMismatch(kind, "TableRef")
		}
		return uint64(v), nil
	case RowRef:
		if kind != KindRowRef {
			return 0, kindMismatch(kind, "RowRef")
		}
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("reftable: unsupported Go type for Get/Set")
	}
}
