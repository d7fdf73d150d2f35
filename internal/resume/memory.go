package resume

import (
	"context"
	"sync"
)

// ringEntry holds a single stored envelope.
type ringEntry struct {
	seq  uint64
	data []byte
}

// ring is a fixed-size circular buffer of envelopes for one topic.
// Entries are inserted in strictly increasing seq order; the oldest entry
// is overwritten when full.
type ring struct {
	mu   sync.RWMutex
	buf  []ringEntry
	cap  int
	pos  int // next write position
	full bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &ring{
		buf: make([]ringEntry, capacity),
		cap: capacity,
	}
}

func (r *ring) push(seq uint64, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Copy so the ring does not retain the caller's slice.
	cp := make([]byte, len(data))
	copy(cp, data)

	r.buf[r.pos] = ringEntry{seq: seq, data: cp}
	r.pos = (r.pos + 1) % r.cap
	if r.pos == 0 && !r.full {
		r.full = true
	}
}

// since returns entries with seq > lastSeq in insertion (= seq) order.
func (r *ring) since(lastSeq uint64, limit int) [][]byte {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out [][]byte
	count := r.len()
	for i := 0; i < count && len(out) < limit; i++ {
		e := r.buf[r.index(i)]
		if e.seq > lastSeq {
			out = append(out, e.data)
		}
	}
	return out
}

func (r *ring) stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := r.len()
	if count == 0 {
		return Stats{}
	}
	return Stats{
		Size:   int64(count),
		MinSeq: r.buf[r.index(0)].seq,
		MaxSeq: r.buf[r.index(count-1)].seq,
	}
}

func (r *ring) len() int {
	if r.full {
		return r.cap
	}
	return r.pos
}

// index converts a logical index (0 = oldest) to a physical buffer index.
func (r *ring) index(logical int) int {
	if r.full {
		return (r.pos + logical) % r.cap
	}
	return logical
}

// MemoryStore is the in-memory resume backend: one bounded ring per topic.
// It is authoritative when Redis is absent and doubles as the broker's
// always-on mirror of the Redis window.
type MemoryStore struct {
	mu       sync.RWMutex
	topics   map[string]*ring
	capacity int
}

// NewMemoryStore creates a MemoryStore with the given per-topic capacity.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &MemoryStore{
		topics:   make(map[string]*ring),
		capacity: capacity,
	}
}

// Append implements Store. Never fails.
func (m *MemoryStore) Append(_ context.Context, topic string, seq uint64, data []byte) error {
	m.mu.Lock()
	r, ok := m.topics[topic]
	if !ok {
		r = newRing(m.capacity)
		m.topics[topic] = r
	}
	m.mu.Unlock()

	r.push(seq, data)
	return nil
}

// ReplaySince implements Store.
func (m *MemoryStore) ReplaySince(_ context.Context, topic string, lastSeq uint64, limit int) ([][]byte, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}
	m.mu.RLock()
	r, ok := m.topics[topic]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return r.since(lastSeq, limit), nil
}

// Stats implements Store.
func (m *MemoryStore) Stats(_ context.Context, topic string) (Stats, error) {
	m.mu.RLock()
	r, ok := m.topics[topic]
	m.mu.RUnlock()
	if !ok {
		return Stats{}, nil
	}
	return r.stats(), nil
}

// Drop removes a topic's ring entirely. Used by broker topic GC when a
// topic has neither subscribers nor useful resume data.
func (m *MemoryStore) Drop(topic string) {
	m.mu.Lock()
	delete(m.topics, topic)
	m.mu.Unlock()
}
