package reftable

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vasi/reftable/except"
)

// root is the published, immutable-from-outside view of every table in a
// Store. A new root is built by Txn.Commit and swapped in atomically; any
// View or Txn already holding an older root keeps seeing it untouched.
type root struct {
	tables map[string]*Table
}

// Snapshot is the interface an Object's cursor calls back into to resolve
// the Memory view behind a Get or Set: Refresh for a read, Change for a
// write. Both Txn and View implement it; View.Change always fails, since a
// read-only snapshot has nothing to CoW into.
type Snapshot interface {
	// Refresh returns the Memory view this Object's cluster/index should be
	// read through. It never rebinds the Object: once GetCluster has
	// resolved a cursor, its ref stays valid for the lifetime of the
	// Snapshot that produced it.
	Refresh(obj *Object) (*Memory, error)

	// Change returns a Memory view valid for writes, first CoW-ing the
	// route to the Object's row and rebinding its cluster/index/writable
	// fields to the writable clone. Calling Change through a View is a
	// fatal WriteOnImmutable-class error.
	Change(obj *Object) (*Memory, error)
}

// wrapStoreError converts a BacktraceError captured by a preceding deferred
// except.Recover into this package's own StoreError, tagging it with the
// exported method that observed it. Deferred before except.Recover so it
// runs second (defers execute LIFO): except.Recover turns the panic into an
// error first, then this wraps it.
func wrapStoreError(errp *error, op string) {
	if *errp == nil {
		return
	}
	if bt, ok := (*errp).(except.BacktraceError); ok {
		*errp = &StoreError{Op: op, Err: bt}
	}
}

// Store owns the allocator and the currently published root. It enforces
// single-writer/many-reader access: Begin blocks until any prior Txn
// commits or is abandoned, while View never blocks and never observes a
// partially-built root, because root is only ever replaced by a fully
// committed Txn's working set.
type Store struct {
	mem     *Memory
	opts    Options
	writer  sync.Mutex
	current atomic.Pointer[root]
}

// Open constructs an empty Store.
func Open(opts Options) *Store {
	s := &Store{mem: NewMemory(opts), opts: opts}
	s.current.Store(&root{tables: make(map[string]*Table)})
	return s
}

// Close releases the Store's background reclaimer goroutines. The Store
// must not be used after Close.
func (s *Store) Close() {
	s.mem.Close()
}

// View opens a read-only snapshot of the latest committed root.
func (s *Store) View() *View {
	return &View{store: s, root: s.current.Load()}
}

// Begin opens a write transaction. It blocks until any other open Txn on
// this Store commits or is abandoned.
func (s *Store) Begin() *Txn {
	s.writer.Lock()
	r := s.current.Load()
	tables := make(map[string]*Table, len(r.tables))
	for name, t := range r.tables {
		tables[name] = t.clone()
	}
	return &Txn{store: s, tables: tables}
}

// View is a read-only Snapshot. Every Table and Object it hands out is
// backed by the Memory refs the root held at the moment View was opened or
// last Reloaded; a concurrent Txn can commit without disturbing it.
type View struct {
	store *Store
	root  *root
}

func (v *View) Table(name string) (tbl *Table, err error) {
	defer wrapStoreError(&err, "View.Table")
	defer except.Recover(&err)
	t, ok := v.root.tables[name]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// Row resolves a read cursor onto one row of tableName.
func (v *View) Row(tableName string, key uint64) (obj *Object, err error) {
	defer wrapStoreError(&err, "View.Row")
	defer except.Recover(&err)
	tbl, err := v.Table(tableName)
	if err != nil {
		return nil, err
	}
	o, err := tbl.GetCluster(v.store.mem, key)
	if err != nil {
		return nil, err
	}
	o.snap = v
	return &o, nil
}

// Reload re-syncs the View to whatever root is currently published.
func (v *View) Reload() error {
	v.root = v.store.current.Load()
	return nil
}

// Refresh implements Snapshot: a View's Memory view never changes once a
// cursor has been resolved, so it just hands back the store's allocator.
func (v *View) Refresh(obj *Object) (*Memory, error) {
	return v.store.mem, nil
}

// Change implements Snapshot. A View is read-only; attempting to write
// through one is a programmer error, not an expected failure mode, so it
// raises a fatal WriteOnImmutable-class condition that this method recovers
// at its own boundary and returns as a *StoreError.
func (v *View) Change(obj *Object) (mem *Memory, err error) {
	defer wrapStoreError(&err, "View.Change")
	defer except.Recover(&err)
	except.Throw("%v: cannot Change through a read-only View", errWriteOnImmutable)
	return nil, nil
}

// Txn is a writable Snapshot. It holds its own working copy of every
// table's directory header so inserts and cell writes CoW their own path
// without disturbing the root any View still references; Commit publishes
// that working set as the new root in one atomic swap.
type Txn struct {
	store  *Store
	tables map[string]*Table
	done   bool
}

func (t *Txn) checkOpen() error {
	if t.done {
		return ErrClosed
	}
	return nil
}

func (t *Txn) Table(name string) (tbl *Table, err error) {
	defer wrapStoreError(&err, "Txn.Table")
	defer except.Recover(&err)
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	tb, ok := t.tables[name]
	if !ok {
		return nil, ErrNotFound
	}
	return tb, nil
}

// Row resolves a read cursor onto one row of tableName within this Txn's
// working set.
func (t *Txn) Row(tableName string, key uint64) (obj *Object, err error) {
	defer wrapStoreError(&err, "Txn.Row")
	defer except.Recover(&err)
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	tbl, err := t.Table(tableName)
	if err != nil {
		return nil, err
	}
	o, err := tbl.GetCluster(t.store.mem, key)
	if err != nil {
		return nil, err
	}
	o.snap = t
	return &o, nil
}

// Reload is a no-op on a Txn: a write transaction owns a private working
// set from Begin until Commit or Abandon and never rebases mid-flight.
func (t *Txn) Reload() error {
	return t.checkOpen()
}

// Refresh implements Snapshot for reads within this Txn's working set.
func (t *Txn) Refresh(obj *Object) (*Memory, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	return t.store.mem, nil
}

// Change implements Snapshot: it re-resolves obj's row through
// Table.ChangeCluster, CoW-ing the route to it and rebinding obj's
// cluster/index/writable fields to the writable clone before returning the
// Memory view the write should land in.
func (t *Txn) Change(obj *Object) (mem *Memory, err error) {
	defer wrapStoreError(&err, "Txn.Change")
	defer except.Recover(&err)
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	updated, err := obj.tbl.ChangeCluster(t.store.mem, obj.key)
	if err != nil {
		return nil, err
	}
	obj.cluster, obj.index, obj.writable = updated.cluster, updated.index, updated.writable
	return t.store.mem, nil
}

// CreateTable adds a new table with the given column schema to this
// transaction's working set. It is visible to this Txn immediately and to
// readers only after Commit.
func (t *Txn) CreateTable(name string, schema []Kind) (tbl *Table, err error) {
	defer wrapStoreError(&err, "Txn.CreateTable")
	defer except.Recover(&err)
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if _, exists := t.tables[name]; exists {
		return nil, fmt.Errorf("reftable: table %q already exists", name)
	}
	tb, err := newTable(t.store.mem, schema, t.store.opts)
	if err != nil {
		return nil, err
	}
	t.tables[name] = tb
	return tb, nil
}

// Insert writes a full row into tableName under key.
func (t *Txn) Insert(tableName string, key uint64, values []uint64) (err error) {
	defer wrapStoreError(&err, "Txn.Insert")
	defer except.Recover(&err)
	tbl, err := t.Table(tableName)
	if err != nil {
		return err
	}
	return tbl.Insert(t.store.mem, key, values)
}

// Commit moves every table's dirty buckets into the immutable region and
// publishes this Txn's working set as the new root. The Store accepts
// another Begin only after Commit or Abandon returns.
func (t *Txn) Commit() (err error) {
	defer wrapStoreError(&err, "Txn.Commit")
	defer except.Recover(&err)
	if err := t.checkOpen(); err != nil {
		return err
	}
	for _, tbl := range t.tables {
		if err := tbl.Commit(t.store.mem); err != nil {
			t.done = true
			t.store.writer.Unlock()
			return err
		}
	}
	t.store.current.Store(&root{tables: t.tables})
	t.done = true
	t.store.writer.Unlock()
	return nil
}

// Abandon discards this Txn's working set without publishing it. Allocations
// are not tracked per Txn, so the mutable allocations it made are neither
// freed nor handed to the Memory's reclaimers: they stay allocated for the
// lifetime of the Memory.
func (t *Txn) Abandon() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.done = true
	t.store.writer.Unlock()
	return nil
}
