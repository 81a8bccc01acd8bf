package buffer

import (
	"sync"

	"github.com/kon-rad/appinsights/contracts"
)

// OverflowPolicy governs Enqueue behavior when the buffer is at capacity.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest buffered envelope to make room.
	DropOldest OverflowPolicy = iota
	// RejectNew refuses the incoming envelope and keeps the buffer intact.
	RejectNew
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case RejectNew:
		return "reject_new"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a config string onto a policy; unknown values fall back
// to DropOldest.
func ParsePolicy(s string) OverflowPolicy {
	if s == RejectNew.String() {
		return RejectNew
	}
	return DropOldest
}

// Buffer is a bounded FIFO of envelopes shared between producers and the
// dispatcher. Enqueue never blocks; Drain removes each envelope exactly
// once, in insertion order.
type Buffer struct {
	mu       sync.Mutex
	items    []*contracts.Envelope
	head     int
	count    int
	capacity int
	policy   OverflowPolicy

	highWater int
	signal    chan struct{}
}

func New(capacity int, policy OverflowPolicy) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	highWater := capacity / 2
	if highWater < 1 {
		highWater = 1
	}
	return &Buffer{
		items:     make([]*contracts.Envelope, capacity),
		capacity:  capacity,
		policy:    policy,
		highWater: highWater,
		signal:    make(chan struct{}, 1),
	}
}

// SetHighWater overrides the level at which enqueues notify Signal.
// Values outside [1, capacity] are clamped.
func (b *Buffer) SetHighWater(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 1 {
		n = 1
	}
	if n > b.capacity {
		n = b.capacity
	}
	b.highWater = n
}

// Signal receives a notification when the buffer fills to its high-water
// mark. Notifications are coalesced; a receiver must drain the buffer, not
// count signals.
func (b *Buffer) Signal() <-chan struct{} {
	return b.signal
}

// Enqueue appends an envelope. It returns false when the envelope was not
// retained: either it was rejected (RejectNew) or an older envelope was
// evicted to admit it (DropOldest evicts, then returns true only for the
// new envelope; the eviction is reported through the second return).
func (b *Buffer) Enqueue(item *contracts.Envelope) (accepted bool, evicted *contracts.Envelope) {
	if item == nil {
		return false, nil
	}

	b.mu.Lock()
	if b.count == b.capacity {
		if b.policy == RejectNew {
			b.mu.Unlock()
			return false, nil
		}
		evicted = b.items[b.head]
		b.items[b.head] = nil
		b.head = (b.head + 1) % b.capacity
		b.count--
	}
	b.items[(b.head+b.count)%b.capacity] = item
	b.count++
	notify := b.count >= b.highWater
	b.mu.Unlock()

	if notify {
		select {
		case b.signal <- struct{}{}:
		default:
		}
	}
	return true, evicted
}

// Drain atomically removes and returns up to max envelopes in insertion
// order. An empty buffer yields an empty slice.
func (b *Buffer) Drain(max int) []*contracts.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	if max >= 0 && max < n {
		n = max
	}
	out := make([]*contracts.Envelope, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.items[b.head])
		b.items[b.head] = nil
		b.head = (b.head + 1) % b.capacity
		b.count--
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *Buffer) Cap() int {
	return b.capacity
}

func (b *Buffer) Policy() OverflowPolicy {
	return b.policy
}
