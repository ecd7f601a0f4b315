package pubsub

import "testing"

func TestRingPopEmpty(t *testing.T) {
	r := newRing(3)
	if _, ok := r.pop(); ok {
		t.Fatal("pop on empty ring must report false")
	}
}

func TestRingFIFOUnderCapacity(t *testing.T) {
	r := newRing(3)
	r.push("a")
	r.push("b")
	if got := r.len(); got != 2 {
		t.Fatalf("len = %d, want 2", got)
	}
	v, ok := r.pop()
	if !ok || v != "a" {
		t.Fatalf("pop = %v, %v; want a, true", v, ok)
	}
	v, ok = r.pop()
	if !ok || v != "b" {
		t.Fatalf("pop = %v, %v; want b, true", v, ok)
	}
}

// TestRingNewestWinsOnOverflow verifies that with a publisher
// settings.queue_size of 2, pushing {"a","b","c","d","e"} leaves
// exactly {"d","e"} once the reader catches up.
func TestRingNewestWinsOnOverflow(t *testing.T) {
	r := newRing(2)
	for _, v := range []string{"a", "b", "c", "d", "e"} {
		r.push(v)
	}
	if got := r.len(); got != 2 {
		t.Fatalf("len = %d, want 2", got)
	}
	var got []string
	for {
		v, ok := r.pop()
		if !ok {
			break
		}
		got = append(got, v.(string))
	}
	if len(got) != 2 || got[0] != "d" || got[1] != "e" {
		t.Fatalf("got %v, want [d e]", got)
	}
}

func TestRingCapacityFloorsAtOne(t *testing.T) {
	r := newRing(0)
	r.push("a")
	r.push("b")
	if got := r.len(); got != 1 {
		t.Fatalf("len = %d, want 1 (capacity floors at 1)", got)
	}
	v, ok := r.pop()
	if !ok || v != "b" {
		t.Fatalf("pop = %v, %v; want newest entry b", v, ok)
	}
}
