package audio

import (
	"context"
	"sync"
	"time"
)

// DefaultBufferCapacity keeps latency at roughly a hundred milliseconds of 20ms frames
const DefaultBufferCapacity = 5

// FrameBuffer is a bounded FIFO of packets. When full, Push evicts the
// oldest entry so the sender always works on the freshest audio.
type FrameBuffer struct {
	mu       sync.Mutex
	packets  []Packet
	head     int
	size     int
	dropped  uint64
	notEmpty chan struct{}
}

// NewFrameBuffer creates a buffer holding at most capacity packets
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity < 1 {
		capacity = DefaultBufferCapacity
	}
	return &FrameBuffer{
		packets:  make([]Packet, capacity),
		notEmpty: make(chan struct{}, 1),
	}
}

// Push appends p, evicting the oldest packet if the buffer is full.
// It reports whether an eviction happened.
func (b *FrameBuffer) Push(p Packet) bool {
	b.mu.Lock()
	evicted := false
	if b.size == len(b.packets) {
		b.packets[b.head] = Packet{}
		b.head = (b.head + 1) % len(b.packets)
		b.size--
		b.dropped++
		evicted = true
	}
	b.packets[(b.head+b.size)%len(b.packets)] = p
	b.size++
	b.mu.Unlock()

	select {
	case b.notEmpty <- struct{}{}:
	default:
	}
	return evicted
}

// Pop removes and returns the oldest packet. ok is false when the buffer is empty.
func (b *FrameBuffer) Pop() (p Packet, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return Packet{}, false
	}
	p = b.packets[b.head]
	b.packets[b.head] = Packet{}
	b.head = (b.head + 1) % len(b.packets)
	b.size--
	return p, true
}

// PopWait is Pop with a bounded wait for the next Push
func (b *FrameBuffer) PopWait(ctx context.Context, timeout time.Duration) (Packet, bool) {
	if p, ok := b.Pop(); ok {
		return p, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return Packet{}, false
		case <-timer.C:
			return b.Pop()
		case <-b.notEmpty:
			if p, ok := b.Pop(); ok {
				return p, true
			}
		}
	}
}

// Reset drops every queued packet
func (b *FrameBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.packets {
		b.packets[i] = Packet{}
	}
	b.head = 0
	b.size = 0
}

func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *FrameBuffer) Cap() int {
	return len(b.packets)
}

// Dropped returns how many packets were evicted since creation
func (b *FrameBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
