// Package sequence issues strictly monotonic per-topic sequence numbers.
// When Redis is available the counter lives there (INCR) so sequences
// survive process restarts; any Redis failure falls back to a process-local
// counter for that call. Cross-process monotonicity degrades to per-process
// after a failover — clients treat reset events as authoritative.
package sequence

import (
	"context"
	"sync"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Sequencer hands out the next seq for a topic.
type Sequencer struct {
	rdb    *goredis.Client // nil = local-only mode
	prefix string          // e.g. "sse:seq:prod"
	logger zerolog.Logger

	mu    sync.Mutex
	local map[string]uint64

	// OnFallback is invoked once per Redis failure (metrics hook).
	OnFallback func()
}

// New creates a Sequencer. rdb may be nil for local-only operation.
// prefix is the Redis key prefix, typically "sse:seq:<env>".
func New(rdb *goredis.Client, prefix string, logger zerolog.Logger) *Sequencer {
	return &Sequencer{
		rdb:    rdb,
		prefix: prefix,
		logger: logger.With().Str("component", "sequencer").Logger(),
		local:  make(map[string]uint64),
	}
}

// Next returns the next sequence number for topic. Never fails: Redis
// errors fall back to the local counter without retry.
func (s *Sequencer) Next(ctx context.Context, topic string) uint64 {
	if s.rdb != nil {
		n, err := s.rdb.Incr(ctx, s.prefix+":"+topic).Result()
		if err == nil {
			// Keep the local counter at least as high so a later
			// fallback does not go backwards within this process.
			s.mu.Lock()
			if uint64(n) > s.local[topic] {
				s.local[topic] = uint64(n)
			}
			s.mu.Unlock()
			return uint64(n)
		}
		s.logger.Warn().Err(err).Str("topic", topic).Msg("redis INCR failed, using local counter")
		if s.OnFallback != nil {
			s.OnFallback()
		}
	}

	s.mu.Lock()
	s.local[topic]++
	n := s.local[topic]
	s.mu.Unlock()
	return n
}
