// Package mailbox provides the single-slot overwrite buffer that sits between
// the capture goroutine and the inference goroutine.
//
// A Put never blocks: if the previous value was not taken yet it is replaced
// and counted as dropped. Take blocks until a value is available or the
// mailbox is closed.
package mailbox

import "sync"

// Stats are lifetime counters of a mailbox
type Stats struct {
	Puts             uint64 `json:"puts"`
	Takes            uint64 `json:"takes"`
	Drops            uint64 `json:"drops"`
	ConsecutiveDrops uint64 `json:"consecutive_drops"`
	Pending          bool   `json:"pending"`
	Closed           bool   `json:"closed"`
}

// Mailbox is a capacity-1, latest-wins buffer with one producer and one consumer
type Mailbox[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	item   T
	full   bool
	closed bool

	puts             uint64
	takes            uint64
	drops            uint64
	consecutiveDrops uint64
}

// New creates an empty, open mailbox
func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Put stores v, overwriting any value that has not been taken.
// It reports false if the mailbox is closed and v was discarded.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	if m.full {
		m.drops++
		m.consecutiveDrops++
	}

	m.item = v
	m.full = true
	m.puts++

	m.cond.Signal()
	return true
}

// Take blocks until a value is available and removes it.
// After Close, a pending value is still returned once; then Take
// reports false.
func (m *Mailbox[T]) Take() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for !m.full && !m.closed {
		m.cond.Wait()
	}

	var zero T
	if !m.full {
		return zero, false
	}

	v := m.item
	m.item = zero
	m.full = false
	m.takes++
	m.consecutiveDrops = 0

	return v, true
}

// TryTake removes the pending value without blocking
func (m *Mailbox[T]) TryTake() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if !m.full {
		return zero, false
	}

	v := m.item
	m.item = zero
	m.full = false
	m.takes++
	m.consecutiveDrops = 0

	return v, true
}

// Close stops accepting values and wakes a blocked Take. Idempotent.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Discard drops the pending value, if any, and closes the mailbox.
// It reports whether a value was discarded; that value counts as dropped.
func (m *Mailbox[T]) Discard() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	discarded := m.full
	if discarded {
		var zero T
		m.item = zero
		m.full = false
		m.drops++
	}
	m.closed = true
	m.cond.Broadcast()

	return discarded
}

// Stats returns a copy of the counters
func (m *Mailbox[T]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		Puts:             m.puts,
		Takes:            m.takes,
		Drops:            m.drops,
		ConsecutiveDrops: m.consecutiveDrops,
		Pending:          m.full,
		Closed:           m.closed,
	}
}
