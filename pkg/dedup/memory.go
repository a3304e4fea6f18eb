package dedup

import (
	"context"
	"sync"
	"time"
)

type key struct {
	tenant string
	event  string
}

type entry struct {
	key       key
	firstSeen time.Time
}

// Memory is an in-process Cache. Entries are kept in insertion order in a
// growable ring so the expiry sweep on each insert only touches the oldest
// entries.
type Memory struct {
	window time.Duration

	mu    sync.Mutex
	index map[key]time.Time
	ring  []entry
	head  int
	size  int
}

// NewMemory builds a memory cache. A non-positive window uses DefaultWindow.
// Live entries are never evicted; the sweep on each insert bounds the cache
// to the events seen within one window.
func NewMemory(window time.Duration) *Memory {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Memory{
		window: window,
		index:  make(map[key]time.Time),
		ring:   make([]entry, 16),
	}
}

// SeenRecently reports whether the pair was recorded within the window.
func (m *Memory) SeenRecently(_ context.Context, tenantID, eventID string, now time.Time) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	first, ok := m.index[key{tenantID, eventID}]
	return ok && now.Sub(first) < m.window, nil
}

// TryRecord inserts the pair when absent or expired and reports whether the
// caller is the first to see it.
func (m *Memory) TryRecord(_ context.Context, tenantID, eventID string, now time.Time) (bool, error) {
	if eventID == "" {
		return true, nil
	}
	k := key{tenantID, eventID}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(now)

	if first, ok := m.index[k]; ok && now.Sub(first) < m.window {
		return false, nil
	}

	m.index[k] = now
	m.push(entry{key: k, firstSeen: now})
	return true, nil
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

// sweep drops expired entries from the front of the ring.
func (m *Memory) sweep(now time.Time) {
	for m.size > 0 {
		oldest := m.ring[m.head]
		if now.Sub(oldest.firstSeen) < m.window {
			return
		}
		m.pop()
		m.forget(oldest)
	}
}

// forget removes the index entry only if it still belongs to this ring slot;
// a re-recorded key has a newer slot further back.
func (m *Memory) forget(e entry) {
	if current, ok := m.index[e.key]; ok && current.Equal(e.firstSeen) {
		delete(m.index, e.key)
	}
}

func (m *Memory) push(e entry) {
	if m.size == len(m.ring) {
		grown := make([]entry, len(m.ring)*2)
		for i := 0; i < m.size; i++ {
			grown[i] = m.ring[(m.head+i)%len(m.ring)]
		}
		m.ring = grown
		m.head = 0
	}
	m.ring[(m.head+m.size)%len(m.ring)] = e
	m.size++
}

func (m *Memory) pop() entry {
	e := m.ring[m.head]
	m.ring[m.head] = entry{}
	m.head = (m.head + 1) % len(m.ring)
	m.size--
	return e
}
