// Package history keeps the most recent samples of a collection session.
package history

import (
	"sync"

	"codeberg.org/mutker/gaitmon/internal/errors"
	"codeberg.org/mutker/gaitmon/internal/sample"
)

// DefaultCapacity is the number of samples a dashboard keeps on screen.
const DefaultCapacity = 100

const (
	ErrInvalidCapacity = errors.ErrInvalidCapacity
)

// Buffer is a fixed-capacity FIFO of samples in arrival order. Once full,
// each Append evicts the oldest sample.
type Buffer struct {
	mu    sync.RWMutex
	data  []sample.Sample
	head  int // index of the oldest sample
	count int
	total uint64
}

// New returns an empty buffer holding at most capacity samples.
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, errors.New().WithData(ErrInvalidCapacity, capacity)
	}

	return &Buffer{data: make([]sample.Sample, capacity)}, nil
}

// Append stores s, evicting the oldest sample when the buffer is full.
// It reports whether an eviction happened.
func (b *Buffer) Append(s sample.Sample) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total++
	s = s.Clone()

	if b.count < len(b.data) {
		b.data[(b.head+b.count)%len(b.data)] = s
		b.count++
		return false
	}

	b.data[b.head] = s
	b.head = (b.head + 1) % len(b.data)

	return true
}

// Snapshot returns a copy of the buffered samples, oldest first.
func (b *Buffer) Snapshot() []sample.Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]sample.Sample, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.data[(b.head+i)%len(b.data)].Clone()
	}

	return out
}

// Latest returns the newest sample, if any.
func (b *Buffer) Latest() (sample.Sample, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.count == 0 {
		return sample.Sample{}, false
	}

	return b.data[(b.head+b.count-1)%len(b.data)].Clone(), true
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Total returns the number of samples ever appended, evicted ones included.
func (b *Buffer) Total() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}
