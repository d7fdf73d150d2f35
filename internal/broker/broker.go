// Package broker is the in-process topic registry: envelope assembly,
// fan-out with drop-oldest backpressure, heartbeats, resume replay and
// statistics. One broker instance serves all SSE and WebSocket connections
// of the process; scale-out is sticky routing plus the shared resume store.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"astrostream/internal/envelope"
	"astrostream/internal/resume"
	"astrostream/internal/sequence"

	"github.com/rs/zerolog"
)

const (
	// DefaultQueueCapacity bounds each subscriber queue.
	DefaultQueueCapacity = 1024
	// DefaultHeartbeatInterval is the idle window before Next synthesizes
	// a heartbeat envelope.
	DefaultHeartbeatInterval = 15 * time.Second
)

// ErrPayloadTooLarge is returned by Publish when the serialized payload
// exceeds envelope.MaxPayloadSize.
var ErrPayloadTooLarge = fmt.Errorf("payload exceeds %d bytes", envelope.MaxPayloadSize)

// ErrInvalidTopic is returned by Publish for topic names outside the
// allowed charset. Envelope JSON splices the topic in unescaped, so the
// charset is enforced at the publish boundary.
var ErrInvalidTopic = errors.New("invalid topic name")

// ValidTopic accepts non-empty names of at most 128 bytes drawn from
// [A-Za-z0-9._-]. Ingest bridges and the dev inlet take topic names from
// external input, so this is checked on every publish; the gateway applies
// the same rule to subscription topics.
func ValidTopic(topic string) bool {
	if topic == "" || len(topic) > 128 {
		return false
	}
	for i := 0; i < len(topic); i++ {
		c := topic[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// Stats is a broker-wide counters snapshot.
type Stats struct {
	Published   uint64         `json:"published"`
	Dropped     uint64         `json:"dropped"`
	Subscribers int            `json:"subscribers"`
	Topics      map[string]int `json:"topics"`
}

// Broker maintains topic → subscriber-queue sets and owns the queues.
type Broker struct {
	seq    *sequence.Sequencer
	store  resume.Store        // Redis-backed window; nil when memory-only
	ring   *resume.MemoryStore // always-on in-memory mirror
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]map[*Queue]struct{}

	// pubMu guards pubLocks. Each topic's lock serializes seq assignment,
	// store appends and fanout so delivery order matches seq order.
	pubMu    sync.Mutex
	pubLocks map[string]*sync.Mutex

	published atomic.Uint64
	dropped   atomic.Uint64

	// Metrics hooks, nil-safe.
	OnPublished   func()
	OnDropped     func(topic string)
	OnStoreError  func()
	OnSubscribers func(topic string, count int)
}

// New creates a Broker. store may be nil; the in-memory ring then serves
// replay on its own.
func New(seq *sequence.Sequencer, store resume.Store, ring *resume.MemoryStore, logger zerolog.Logger) *Broker {
	if ring == nil {
		ring = resume.NewMemoryStore(resume.DefaultRingCapacity)
	}
	return &Broker{
		seq:      seq,
		store:    store,
		ring:     ring,
		logger:   logger.With().Str("component", "broker").Logger(),
		topics:   make(map[string]map[*Queue]struct{}),
		pubLocks: make(map[string]*sync.Mutex),
	}
}

// Subscribe registers a new bounded queue under topic and returns it.
func (b *Broker) Subscribe(topic string, maxQueue int) *Queue {
	q := newQueue(topic, maxQueue)

	b.mu.Lock()
	set, ok := b.topics[topic]
	if !ok {
		set = make(map[*Queue]struct{})
		b.topics[topic] = set
	}
	set[q] = struct{}{}
	count := len(set)
	b.mu.Unlock()

	if b.OnSubscribers != nil {
		b.OnSubscribers(topic, count)
	}
	b.logger.Debug().Str("topic", topic).Int("subscribers", count).Msg("subscribed")
	return q
}

// Unsubscribe removes the queue, drains it, and garbage-collects the topic
// entry when no subscribers remain.
func (b *Broker) Unsubscribe(topic string, q *Queue) {
	if q == nil {
		return
	}

	b.mu.Lock()
	count := 0
	if set, ok := b.topics[topic]; ok {
		delete(set, q)
		count = len(set)
		if count == 0 {
			delete(b.topics, topic)
		}
	}
	b.mu.Unlock()

	q.drain()
	if b.OnSubscribers != nil {
		b.OnSubscribers(topic, count)
	}
	b.logger.Debug().Str("topic", topic).Int("subscribers", count).Msg("unsubscribed")
}

// topicLock returns the publish lock for topic, creating it on first use.
func (b *Broker) topicLock(topic string) *sync.Mutex {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	l, ok := b.pubLocks[topic]
	if !ok {
		l = &sync.Mutex{}
		b.pubLocks[topic] = l
	}
	return l
}

// Publish assigns the next topic seq, builds the envelope once, appends it
// to the ring and resume store, and fans out to every subscriber queue with
// drop-oldest backpressure. Returns the assigned seq.
//
// The per-topic lock holds from seq assignment through fanout: without it,
// concurrent publishers could enqueue seq N+1 before seq N and break both
// subscriber FIFO order and the ring's insert-order invariant.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, event string) (uint64, error) {
	if !ValidTopic(topic) {
		return 0, ErrInvalidTopic
	}
	if len(payload) > envelope.MaxPayloadSize {
		return 0, ErrPayloadTooLarge
	}
	if event == "" {
		event = envelope.EventUpdate
	}

	lock := b.topicLock(topic)
	lock.Lock()

	seq := b.seq.Next(ctx, topic)
	data := envelope.Build(time.Now(), seq, topic, event, payload)

	b.ring.Append(ctx, topic, seq, data)
	if b.store != nil {
		if err := b.store.Append(ctx, topic, seq, data); err != nil {
			// Non-fatal: the in-memory ring still covers replay.
			b.logger.Warn().Err(err).Str("topic", topic).Msg("resume store append failed")
			if b.OnStoreError != nil {
				b.OnStoreError()
			}
		}
	}

	b.fanout(topic, data)
	lock.Unlock()

	b.published.Add(1)
	if b.OnPublished != nil {
		b.OnPublished()
	}
	return seq, nil
}

// Heartbeat publishes an empty heartbeat envelope on topic. Unlike idle
// heartbeats from Next, this consumes a real topic sequence.
func (b *Broker) Heartbeat(ctx context.Context, topic string) error {
	_, err := b.Publish(ctx, topic, nil, envelope.EventHeartbeat)
	return err
}

// fanout delivers data to every subscriber of topic. Per queue: try-send;
// on full queue evict the head (counted as dropped) and retry once; a
// second failure is counted and the queue skipped.
func (b *Broker) fanout(topic string, data []byte) {
	b.mu.Lock()
	set := b.topics[topic]
	queues := make([]*Queue, 0, len(set))
	for q := range set {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	for _, q := range queues {
		if q.trySend(data) {
			continue
		}
		if _, ok := q.tryRecv(); ok {
			b.countDrop(topic)
		}
		if !q.trySend(data) {
			b.countDrop(topic)
		}
	}
}

func (b *Broker) countDrop(topic string) {
	b.dropped.Add(1)
	if b.OnDropped != nil {
		b.OnDropped(topic)
	}
}

// Next reads the next envelope from q, blocking up to heartbeatAfter.
// On timeout it returns a synthetic heartbeat envelope (seq 0, topic _hb)
// so endpoints always produce output within the idle interval.
func (b *Broker) Next(q *Queue, heartbeatAfter time.Duration) []byte {
	if heartbeatAfter <= 0 {
		heartbeatAfter = DefaultHeartbeatInterval
	}
	if data, ok := q.recvTimeout(heartbeatAfter); ok {
		return data
	}
	return envelope.Heartbeat(time.Now())
}

// ReplaySince returns stored envelopes with seq > lastSeq, consulting the
// resume store first and falling back to the in-memory ring. Errors degrade
// to the ring; the endpoint continues from live on an empty result.
func (b *Broker) ReplaySince(ctx context.Context, topic string, lastSeq uint64, limit int) [][]byte {
	if b.store != nil {
		entries, err := b.store.ReplaySince(ctx, topic, lastSeq, limit)
		if err != nil {
			b.logger.Warn().Err(err).Str("topic", topic).Msg("resume store replay failed, using ring")
			if b.OnStoreError != nil {
				b.OnStoreError()
			}
		} else if len(entries) > 0 {
			return entries
		}
	}
	entries, _ := b.ring.ReplaySince(ctx, topic, lastSeq, limit)
	return entries
}

// ResumeStats reports the topic's resume window, preferring the store.
func (b *Broker) ResumeStats(ctx context.Context, topic string) resume.Stats {
	if b.store != nil {
		st, err := b.store.Stats(ctx, topic)
		if err == nil && st.Size > 0 {
			return st
		}
		if err != nil {
			b.logger.Warn().Err(err).Str("topic", topic).Msg("resume store stats failed, using ring")
			if b.OnStoreError != nil {
				b.OnStoreError()
			}
		}
	}
	st, _ := b.ring.Stats(ctx, topic)
	return st
}

// Subscribers returns the current subscriber count for topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Stats returns a broker-wide snapshot.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	topics := make(map[string]int, len(b.topics))
	total := 0
	for t, set := range b.topics {
		topics[t] = len(set)
		total += len(set)
	}
	b.mu.Unlock()

	return Stats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: total,
		Topics:      topics,
	}
}
