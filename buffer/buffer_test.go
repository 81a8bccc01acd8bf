package buffer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/kon-rad/appinsights/contracts"
)

func event(name string) *contracts.Envelope {
	return contracts.NewEnvelope("test-ikey", contracts.EventData{Ver: 2, Name: name}, nil)
}

func names(items []*contracts.Envelope) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Item().(contracts.EventData).Name)
	}
	return out
}

func TestDrainReturnsInsertionOrder(t *testing.T) {
	t.Parallel()

	b := New(8, DropOldest)
	for i := 0; i < 5; i++ {
		if ok, _ := b.Enqueue(event(fmt.Sprintf("e%d", i))); !ok {
			t.Fatalf("enqueue %d rejected below capacity", i)
		}
	}

	got := names(b.Drain(8))
	want := []string{"e0", "e1", "e2", "e3", "e4"}
	if len(got) != len(want) {
		t.Fatalf("drained %d items, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drain[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if b.Len() != 0 {
		t.Fatalf("buffer len = %d after full drain, want 0", b.Len())
	}
}

func TestDropOldestEvictsHead(t *testing.T) {
	t.Parallel()

	b := New(3, DropOldest)
	for _, name := range []string{"A", "B", "C"} {
		b.Enqueue(event(name))
	}
	ok, evicted := b.Enqueue(event("D"))
	if !ok {
		t.Fatalf("enqueue D rejected under drop-oldest")
	}
	if evicted == nil || evicted.Item().(contracts.EventData).Name != "A" {
		t.Fatalf("expected eviction of A, got %v", evicted)
	}

	got := names(b.Drain(10))
	want := []string{"B", "C", "D"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drain[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if b.Len() != 0 {
		t.Fatalf("buffer not empty after drain")
	}
}

func TestRejectNewKeepsExisting(t *testing.T) {
	t.Parallel()

	b := New(2, RejectNew)
	b.Enqueue(event("A"))
	b.Enqueue(event("B"))
	ok, evicted := b.Enqueue(event("C"))
	if ok || evicted != nil {
		t.Fatalf("expected rejection at capacity, got ok=%v evicted=%v", ok, evicted)
	}

	got := names(b.Drain(-1))
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("buffer contents = %v, want [A B]", got)
	}
}

func TestDrainHonorsMax(t *testing.T) {
	t.Parallel()

	b := New(10, DropOldest)
	for i := 0; i < 6; i++ {
		b.Enqueue(event(fmt.Sprintf("e%d", i)))
	}
	first := b.Drain(4)
	second := b.Drain(4)
	if len(first) != 4 || len(second) != 2 {
		t.Fatalf("drain sizes = %d,%d, want 4,2", len(first), len(second))
	}
	if names(first)[0] != "e0" || names(second)[0] != "e4" {
		t.Fatalf("drain order broken across calls: %v then %v", names(first), names(second))
	}
}

func TestHighWaterSignal(t *testing.T) {
	t.Parallel()

	b := New(10, DropOldest)
	b.SetHighWater(3)

	b.Enqueue(event("a"))
	b.Enqueue(event("b"))
	select {
	case <-b.Signal():
		t.Fatalf("signal fired below high-water mark")
	default:
	}

	b.Enqueue(event("c"))
	select {
	case <-b.Signal():
	default:
		t.Fatalf("expected signal at high-water mark")
	}
}

func TestConcurrentEnqueueDrain(t *testing.T) {
	t.Parallel()

	const producers = 8
	const perProducer = 200

	b := New(producers*perProducer, DropOldest)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.Enqueue(event(fmt.Sprintf("p%d-%d", p, i)))
			}
		}(p)
	}

	seen := make(map[string]bool)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		for _, name := range names(b.Drain(64)) {
			if seen[name] {
				t.Errorf("envelope %s drained twice", name)
			}
			seen[name] = true
		}
		select {
		case <-done:
			for _, name := range names(b.Drain(-1)) {
				if seen[name] {
					t.Errorf("envelope %s drained twice", name)
				}
				seen[name] = true
			}
			if len(seen) != producers*perProducer {
				t.Fatalf("drained %d unique envelopes, want %d", len(seen), producers*perProducer)
			}
			return
		default:
		}
	}
}
