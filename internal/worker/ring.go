// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import "sync"

// defaultRingSize bounds the in-memory fallback buffer per worker.
const defaultRingSize = 100000

// Ring is a thread-safe fixed-capacity byte ring holding a worker's most
// recent PTY output. It backs history delivery when the scrollback file is
// unavailable.
type Ring struct {
	mu   sync.Mutex
	buf  []byte
	head int // next write position
	size int // bytes currently held
}

// NewRing creates a ring with the given byte capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultRingSize
	}
	return &Ring{buf: make([]byte, capacity)}
}

// Write appends bytes, overwriting the oldest when full. Writes larger than
// the capacity keep only their tail.
func (r *Ring) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(p) >= len(r.buf) {
		copy(r.buf, p[len(p)-len(r.buf):])
		r.head = 0
		r.size = len(r.buf)
		return
	}

	n := copy(r.buf[r.head:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	r.head = (r.head + len(p)) % len(r.buf)
	if r.size+len(p) > len(r.buf) {
		r.size = len(r.buf)
	} else {
		r.size += len(p)
	}
}

// Bytes returns the held output in chronological order.
func (r *Ring) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, r.size)
	start := r.head - r.size
	if start < 0 {
		start += len(r.buf)
	}
	n := copy(out, r.buf[start:])
	if n < r.size {
		copy(out[n:], r.buf)
	}
	return out
}

// Len returns the number of bytes currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Reset discards all held bytes.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.size = 0
}
