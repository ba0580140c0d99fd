// Package reclaim runs the background bookkeeping that lets a cancelled or
// heavily-churning write transaction's mutable allocations become reusable
// without stalling the writer.
//
// It follows a pipeline shape: a goroutine fed by a channel, whose failures
// are collected rather than left to crash the process, built on the same
// exception idiom as the except and eio packages
// (github.com/timtadh/data-structures/exc).
package reclaim

import (
	"sync"

	"github.com/timtadh/data-structures/exc"
)

// Slot identifies one freed allocation slot a Memory implementation can
// reuse for its next Alloc instead of growing its backing store.
type Slot int

// Worker owns the free list for one size class of a Memory's mutable region.
// Memory.Free pushes freed slots onto it; Memory.Alloc pops from it before
// growing.
type Worker struct {
	done chan struct{}
	wait sync.WaitGroup

	mu    sync.Mutex
	err   exc.Throwable
	free  []Slot
	incoming chan Slot
}

// New starts a Worker and its background coalescing goroutine.
func New() *Worker {
	w := &Worker{
		done:     make(chan struct{}),
		incoming: make(chan Slot, 256),
	}
	w.wait.Add(1)
	go w.run()
	return w
}

func (w *Worker) run() {
	defer w.wait.Done()
	for {
		select {
		case slot, ok := <-w.incoming:
			if !ok {
				return
			}
			w.coalesce(slot)
		case <-w.done:
			// Drain whatever is already queued before exiting so no freed
			// slot is silently dropped.
			for {
				select {
				case slot := <-w.incoming:
					w.coalesce(slot)
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) coalesce(slot Slot) {
	defer func() {
		if r := recover(); r != nil {
			if t, ok := r.(exc.Throwable); ok {
				w.mu.Lock()
				if w.err == nil {
					w.err = t
				}
				w.mu.Unlock()
				return
			}
			panic(r)
		}
	}()
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.free {
		if s == slot {
			// Already freed; duplicate Free calls are a programmer error
			// elsewhere, but the reclaimer stays conservative and ignores
			// the repeat rather than double-issuing the slot.
			return
		}
	}
	w.free = append(w.free, slot)
}

// Push hands a freed slot to the background worker. Never blocks the
// caller beyond the channel buffer filling up.
func (w *Worker) Push(slot Slot) {
	select {
	case w.incoming <- slot:
	case <-w.done:
	}
}

// Take returns a previously freed slot for reuse, if one is available.
func (w *Worker) Take() (Slot, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.free) == 0 {
		return 0, false
	}
	n := len(w.free) - 1
	slot := w.free[n]
	w.free = w.free[:n]
	return slot, true
}

// Reset discards every pending and coalesced free slot and clears any
// recorded failure. Nothing in this module calls it.
func (w *Worker) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.free = nil
	w.err = nil
drain:
	for {
		select {
		case <-w.incoming:
		default:
			break drain
		}
	}
}

// Err returns the first failure observed while coalescing, if any.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		return nil
	}
	return w.err
}

// Close stops the background goroutine and waits for it to exit.
func (w *Worker) Close() {
	w.mu.Lock()
	alreadyClosed := false
	select {
	case <-w.done:
		alreadyClosed = true
	default:
	}
	w.mu.Unlock()
	if alreadyClosed {
		w.wait.Wait()
		return
	}
	close(w.done)
	w.wait.Wait()
}
