package reclaim

import "testing"

func TestPushTake(t *testing.T) {
	w := New()
	defer w.Close()

	w.Push(Slot(1))
	w.Push(Slot(2))

	seen := map[Slot]bool{}
	for i := 0; i < 2; i++ {
		for {
			slot, ok := w.Take()
			if ok {
				seen[slot] = true
				break
			}
		}
	}
	if !seen[Slot(1)] || !seen[Slot(2)] {
		t.Fatalf("got %v", seen)
	}
	if _, ok := w.Take(); ok {
		t.Fatal("expected no slots left")
	}
}

func TestReset(t *testing.T) {
	w := New()
	defer w.Close()

	w.Push(Slot(1))
	for {
		if _, ok := w.Take(); ok {
			break
		}
	}
	w.Push(Slot(5))
	w.Reset()
	if _, ok := w.Take(); ok {
		t.Fatal("Reset should discard pending slots")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	w := New()
	w.Close()
	w.Close()
}
