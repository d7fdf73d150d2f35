// Package resume persists recent envelopes per topic so reconnecting
// clients can replay missed events. Two backends satisfy the same
// interface: a Redis sorted set scored by seq, and an in-memory ring used
// when Redis is absent and as the broker's always-on mirror.
package resume

import "context"

// Stats reports a topic's resume-window occupancy. Endpoints use MinSeq to
// detect buffer exhaustion (last-seen id below the window → full resync).
type Stats struct {
	Size   int64  `json:"size"`
	MinSeq uint64 `json:"min_seq"`
	MaxSeq uint64 `json:"max_seq"`
}

// Store is the resume-window contract. Append errors are non-fatal to
// publishing; ReplaySince errors degrade to an empty replay.
type Store interface {
	// Append stores envelope JSON under (topic, seq), trimming the window
	// to the configured cap and refreshing the topic TTL.
	Append(ctx context.Context, topic string, seq uint64, data []byte) error

	// ReplaySince returns stored envelopes with seq strictly greater than
	// lastSeq, ascending, at most limit entries.
	ReplaySince(ctx context.Context, topic string, lastSeq uint64, limit int) ([][]byte, error)

	// Stats returns the current window occupancy for topic.
	Stats(ctx context.Context, topic string) (Stats, error)
}

const (
	// DefaultMaxItems caps entries per topic in the Redis backend.
	DefaultMaxItems = 5000
	// DefaultTTLSeconds is the per-topic key TTL in the Redis backend.
	DefaultTTLSeconds = 3600
	// DefaultRingCapacity bounds the in-memory ring per topic.
	DefaultRingCapacity = 1000
	// DefaultReplayLimit bounds a single replay batch.
	DefaultReplayLimit = 500
)
