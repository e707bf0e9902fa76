// Package buffer provides the bounded byte queue used for per-connection terminal output.
package buffer

import (
	"sync"
	"unicode/utf8"
)

// RingBuffer is a thread-safe circular byte queue with a fixed capacity.
// When a write does not fit, the oldest unread bytes are discarded and
// counted so the caller can report how much output a slow client missed.
type RingBuffer struct {
	data     []byte
	head     int // index of the oldest byte
	size     int // number of unread bytes
	dropped  uint64
	capacity int
	mu       sync.Mutex
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends p to the buffer, discarding the oldest bytes when full.
// A drop never leaves the buffer starting inside a UTF-8 sequence; the
// orphaned continuation bytes are discarded with it.
// It always reports len(p) written; this method implements io.Writer.
func (rb *RingBuffer) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	n = len(p)

	// Only the tail of an oversized write can survive.
	if len(p) >= rb.capacity {
		rb.dropped += uint64(rb.size + len(p) - rb.capacity)
		copy(rb.data, p[len(p)-rb.capacity:])
		rb.head = 0
		rb.size = rb.capacity
		rb.skipContinuation()
		return n, nil
	}

	overflow := rb.size + len(p) - rb.capacity
	if overflow > 0 {
		rb.head = (rb.head + overflow) % rb.capacity
		rb.size -= overflow
		rb.dropped += uint64(overflow)
	}

	tail := (rb.head + rb.size) % rb.capacity
	written := copy(rb.data[tail:], p)
	if written < len(p) {
		copy(rb.data, p[written:])
	}
	rb.size += len(p)

	if overflow > 0 {
		rb.skipContinuation()
	}
	return n, nil
}

// skipContinuation drops the tail of a rune whose leading bytes were evicted.
func (rb *RingBuffer) skipContinuation() {
	for i := 0; i < utf8.UTFMax-1 && rb.size > 0; i++ {
		if utf8.RuneStart(rb.data[rb.head]) {
			return
		}
		rb.head = (rb.head + 1) % rb.capacity
		rb.size--
		rb.dropped++
	}
}

// Drain removes and returns up to max unread bytes, oldest first.
// A max of 0 or less drains everything. Returns nil when empty.
func (rb *RingBuffer) Drain(max int) []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return nil
	}
	n := rb.size
	if max > 0 && max < n {
		n = max
	}

	out := make([]byte, n)
	first := copy(out, rb.data[rb.head:min(rb.head+n, rb.capacity)])
	if first < n {
		copy(out[first:], rb.data[:n-first])
	}

	rb.head = (rb.head + n) % rb.capacity
	rb.size -= n
	if rb.size == 0 {
		rb.head = 0
	}
	return out
}

// ReadAll returns a copy of all unread data without consuming it.
func (rb *RingBuffer) ReadAll() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return nil
	}

	result := make([]byte, rb.size)
	first := copy(result, rb.data[rb.head:min(rb.head+rb.size, rb.capacity)])
	if first < rb.size {
		copy(result[first:], rb.data[:rb.size-first])
	}
	return result
}

// Clear removes all data from the buffer. The dropped counter is kept.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.head = 0
	rb.size = 0
}

// Len returns the current number of unread bytes in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.size
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return rb.capacity
}

// Dropped returns the total number of bytes discarded because the buffer was full.
func (rb *RingBuffer) Dropped() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.dropped
}
