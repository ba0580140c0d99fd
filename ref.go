// Package reftable implements a copy-on-write, snapshot-isolated table
// store: a ref-indirected memory allocator, a cuckoo-hashed row directory
// over CoW-managed buckets, and a typed cluster payload layer on top of it.
//
// It is grounded on the CoW L1/L2 cluster-pointer walk in the original
// qcow2 image format this package's layout descends from: a mutable
// "current" image built by cloning whatever immutable nodes a write
// touches, committed by flipping one root pointer, while every snapshot
// that existed before the write keeps seeing the old, unmodified tree.
package reftable

import "github.com/vasi/reftable/memref"

// Ref is a stable handle to one allocation. It is never a memory address;
// Memory.Bytes translates it to the current process's view of the backing
// storage, which stays in place as the allocator grows (growth only adds
// slabs).
type Ref = memref.Ref

// Kind identifies the Go type stored in one column of a table. 't' and 'r'
// share their on-disk representation with 'u' (all three are a plain u64
// cell) but carry distinct semantic types — TableRef and RowRef — at the
// Object accessor layer. Get/Set check the requested Go type against the
// column's Kind when called and return an error on a mismatch; a column
// index carries no type, so the compiler does not catch a mismatch.
type Kind byte

const (
	KindInvalid  Kind = 0
	KindTableRef Kind = 't'
	KindRowRef   Kind = 'r'
	KindUint     Kind = 'u'
	KindInt      Kind = 'i'
	KindFloat32  Kind = 'f'
	KindFloat64  Kind = 'd'
)

// String names a Kind for diagnostics.
func (k Kind) String() string {
	switch k {
	case KindTableRef:
		return "table-ref"
	case KindRowRef:
		return "row-ref"
	case KindUint:
		return "uint"
	case KindInt:
		return "int"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	default:
		return "invalid"
	}
}

func (k Kind) width() int {
	switch k {
	case KindTableRef, KindRowRef, KindUint, KindInt, KindFloat64:
		return 8
	case KindFloat32:
		return 4
	default:
		return 0
	}
}

func (k Kind) valid() bool {
	return k.width() != 0
}

// TableRef identifies a table within a Snapshot. It is stored as a plain
// u64 cell (Kind 't'); the wrapper type exists so Object.Get/Set can refuse,
// with an error at run time, to read a table-ref column back as a bare
// uint64 or a RowRef.
type TableRef uint64

// RowRef identifies one row within a table by the key it was inserted
// under. It is stored as a plain u64 cell (Kind 'r'), distinguished from
// TableRef and uint64 only by its Go type.
type RowRef uint64

// maxColumns bounds the column count of a single table's schema, matching
// the cluster layer's fixed-size internal row buffer.
const maxColumns = 16
