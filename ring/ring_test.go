package ring

import "testing"

func TestFIFO(t *testing.T) {
	r := New[int](32)
	for i := 0; i < 31; i++ {
		if !r.Push(i) {
			t.Fatalf("push %d failed on a ring with room", i)
		}
	}
	for i := 0; i < 31; i++ {
		v, ok := r.Pop()
		if !ok {
			t.Fatalf("pop %d: ring empty", i)
		}
		if v != i {
			t.Errorf("pop %d: got %d", i, v)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Error("pop succeeded on an empty ring")
	}
	if r.TakeOverflow() {
		t.Error("overflow flag set without overflow")
	}
}

func TestOverflow(t *testing.T) {
	r := New[int](32)
	pushed := 0
	for i := 0; i < 33; i++ {
		if r.Push(i) {
			pushed++
		}
	}
	if pushed != 31 {
		t.Errorf("published %d values, want 31", pushed)
	}
	// Draining frees slots, but the sticky flag keeps dropping
	// until it is taken.
	if _, ok := r.Pop(); !ok {
		t.Fatal("pop failed")
	}
	if r.Push(99) {
		t.Error("push succeeded while overflow flag set")
	}
	if !r.TakeOverflow() {
		t.Error("overflow flag not set")
	}
	if r.TakeOverflow() {
		t.Error("overflow flag reported twice")
	}
	if !r.Push(99) {
		t.Error("push failed after overflow cleared")
	}
	for i := 1; i < 31; i++ {
		v, ok := r.Pop()
		if !ok || v != i {
			t.Fatalf("pop: got %d,%v, want %d", v, ok, i)
		}
	}
	if v, ok := r.Pop(); !ok || v != 99 {
		t.Errorf("pop: got %d,%v, want 99", v, ok)
	}
}

func TestWraparound(t *testing.T) {
	r := New[byte](4)
	for round := 0; round < 10; round++ {
		for i := byte(0); i < 3; i++ {
			if !r.Push(i) {
				t.Fatalf("round %d: push %d failed", round, i)
			}
		}
		for i := byte(0); i < 3; i++ {
			v, ok := r.Pop()
			if !ok || v != i {
				t.Fatalf("round %d: got %d,%v, want %d", round, v, ok, i)
			}
		}
	}
}

func TestReset(t *testing.T) {
	r := New[int](8)
	for i := 0; i < 20; i++ {
		r.Push(i)
	}
	r.Reset()
	if _, ok := r.Pop(); ok {
		t.Error("ring not empty after reset")
	}
	if r.TakeOverflow() {
		t.Error("overflow flag survived reset")
	}
}
