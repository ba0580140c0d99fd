// Package memref defines the Ref handle shared by the allocator, the cuckoo
// directory, and the table layers, so that the directory can be compiled and
// tested without importing anything about column types or cluster layout.
package memref

// Ref is an integer handle identifying one allocation for its lifetime. Zero
// is the null ref; it is never returned by an allocator. Refs are not
// 8-byte-aligned: the root package's Memory hands out a block's region
// offset plus one (with the high bit set for the mutable region).
type Ref uint64

// Null is the zero ref.
const Null Ref = 0

// IsNull reports whether r is the null ref.
func (r Ref) IsNull() bool { return r == Null }

// Align8 rounds size up to the next multiple of 8.
func Align8(size int) int {
	if size <= 0 {
		return 8
	}
	return (size + 7) &^ 7
}
