package resume

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// RedisStore keeps each topic's window in a sorted set at "<prefix>:<topic>"
// with members = envelope JSON and scores = seq.
type RedisStore struct {
	rdb      *goredis.Client
	prefix   string
	maxItems int64
	ttl      time.Duration
	logger   zerolog.Logger
}

// RedisConfig tunes the Redis resume backend.
type RedisConfig struct {
	Prefix   string // key prefix, e.g. "sse:resume:prod"
	MaxItems int    // per-topic cap, default DefaultMaxItems
	TTL      time.Duration
}

// NewRedisStore creates a Redis-backed resume store.
func NewRedisStore(rdb *goredis.Client, cfg RedisConfig, logger zerolog.Logger) *RedisStore {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTLSeconds * time.Second
	}
	return &RedisStore{
		rdb:      rdb,
		prefix:   cfg.Prefix,
		maxItems: int64(cfg.MaxItems),
		ttl:      cfg.TTL,
		logger:   logger.With().Str("component", "resume_redis").Logger(),
	}
}

func (s *RedisStore) key(topic string) string {
	return s.prefix + ":" + topic
}

// Append implements Store. ZADD + trim to cap + TTL refresh, pipelined.
func (s *RedisStore) Append(ctx context.Context, topic string, seq uint64, data []byte) error {
	key := s.key(topic)

	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, key, &goredis.Z{Score: float64(seq), Member: string(data)})
	// Trim lowest-scored members down to the cap. Negative start is a
	// no-op range when the set is still under the cap.
	pipe.ZRemRangeByRank(ctx, key, 0, -s.maxItems-1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("resume append %s seq=%d: %w", topic, seq, err)
	}
	return nil
}

// ReplaySince implements Store: members with score strictly greater than
// lastSeq, ascending, up to limit.
func (s *RedisStore) ReplaySince(ctx context.Context, topic string, lastSeq uint64, limit int) ([][]byte, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}
	members, err := s.rdb.ZRangeByScore(ctx, s.key(topic), &goredis.ZRangeBy{
		Min:   "(" + strconv.FormatUint(lastSeq, 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("resume replay %s since=%d: %w", topic, lastSeq, err)
	}
	out := make([][]byte, len(members))
	for i, m := range members {
		out[i] = []byte(m)
	}
	return out, nil
}

// Stats implements Store.
func (s *RedisStore) Stats(ctx context.Context, topic string) (Stats, error) {
	key := s.key(topic)

	size, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("resume stats %s: %w", topic, err)
	}
	if size == 0 {
		return Stats{}, nil
	}

	lo, err := s.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("resume stats %s: %w", topic, err)
	}
	hi, err := s.rdb.ZRangeWithScores(ctx, key, -1, -1).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("resume stats %s: %w", topic, err)
	}

	st := Stats{Size: size}
	if len(lo) > 0 {
		st.MinSeq = uint64(lo[0].Score)
	}
	if len(hi) > 0 {
		st.MaxSeq = uint64(hi[0].Score)
	}
	return st, nil
}
