package auth

import (
	"context"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const jtiKeyPrefix = "token_jti:"

// MinJTITTL floors the used-marker TTL so very short-lived tokens still
// leave a replay-detection window.
const MinJTITTL = 300 * time.Second

// JTIStore marks token ids as used, at most once each. Redis gives the
// cross-process guarantee; a process-local map covers Redis outages so a
// replayed token is still caught within this instance.
type JTIStore struct {
	rdb    goredis.UniversalClient
	logger zerolog.Logger

	mu   sync.Mutex
	seen map[string]time.Time // jti -> expiry, fallback only

	// OnFallback, if set, is called when Redis is unavailable.
	OnFallback func()
}

// NewJTIStore creates a JTIStore. rdb may be nil for memory-only mode.
func NewJTIStore(rdb goredis.UniversalClient, logger zerolog.Logger) *JTIStore {
	return &JTIStore{
		rdb:    rdb,
		logger: logger.With().Str("component", "jti").Logger(),
		seen:   make(map[string]time.Time),
	}
}

// MarkUsed records jti as consumed. Returns true when this call was the
// first use, false when the id was already spent.
func (s *JTIStore) MarkUsed(ctx context.Context, jti string, ttl time.Duration) bool {
	if ttl < MinJTITTL {
		ttl = MinJTITTL
	}

	if s.rdb != nil {
		ok, err := s.rdb.SetNX(ctx, jtiKeyPrefix+jti, "used", ttl).Result()
		if err == nil {
			return ok
		}
		s.logger.Warn().Err(err).Msg("redis unavailable, using local jti set")
		if s.OnFallback != nil {
			s.OnFallback()
		}
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.seen[jti]; ok && now.Before(exp) {
		return false
	}
	s.seen[jti] = now.Add(ttl)
	// Opportunistic cleanup keeps the fallback map bounded.
	if len(s.seen) > 10000 {
		for id, exp := range s.seen {
			if now.After(exp) {
				delete(s.seen, id)
			}
		}
	}
	return true
}
