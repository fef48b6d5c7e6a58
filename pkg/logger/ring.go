package logger

import (
	"context"
	"sync"
	"time"
)

// DefaultRingCapacity is the number of sync log entries kept when unconfigured
const DefaultRingCapacity = 200

// Entry is one sync log record. It is observability only, never authoritative state.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// SyncLog is an append-only bounded log; the oldest entries are evicted first
type SyncLog interface {
	Append(ctx context.Context, entry Entry) error
	// Entries returns up to limit entries, newest first. limit <= 0 returns all.
	Entries(ctx context.Context, limit int) ([]Entry, error)
	Clear(ctx context.Context) error
	Capacity() int
}

// MemoryRing is an in-process SyncLog
type MemoryRing struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	capacity int
}

// NewMemoryRing creates a ring holding at most capacity entries
func NewMemoryRing(capacity int) *MemoryRing {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &MemoryRing{
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

// Append adds an entry, evicting the oldest when full
func (r *MemoryRing) Append(_ context.Context, entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = entry
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// Entries returns up to limit entries, newest first
func (r *MemoryRing) Entries(_ context.Context, limit int) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	if r.full {
		size = r.capacity
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + r.capacity) % r.capacity
		out = append(out, r.entries[idx])
	}
	return out, nil
}

// Clear removes every entry
func (r *MemoryRing) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make([]Entry, r.capacity)
	r.next = 0
	r.full = false
	return nil
}

// Capacity returns the maximum number of entries
func (r *MemoryRing) Capacity() int {
	return r.capacity
}
