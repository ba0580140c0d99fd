package reftable

import "github.com/k0kubun/pp"

// Dump pretty-prints v to standard output as a colorized struct dump, for
// ad-hoc debugging of cluster/table state.
func Dump(v interface{}) {
	pp.Println(v)
}

// DumpTable walks every row of tbl and dumps it, as a quick way to eyeball
// directory contents while developing against a Store.
func DumpTable(mem *Memory, tbl *Table) error {
	return tbl.Iterate(mem, func(key uint64, values []uint64) error {
		pp.Println(key, values)
		return nil
	})
}
