package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// DefaultAuditRetention is the rolling audit window.
const DefaultAuditRetention = 30 * 24 * time.Hour

const (
	auditKeyPrefix    = "token_audit:"
	auditTenantPrefix = "token_audit_tenant:"
	auditRegionPrefix = "token_audit_region:"
)

// Audit event types.
const (
	EventValidated        = "validated"
	EventInvalidSignature = "invalid_signature"
	EventReplayAttempted  = "replay_attempted"
	EventRejected         = "rejected"
)

// Record is one token lifecycle event.
type Record struct {
	JTI             string `json:"jti"`
	Sub             string `json:"sub"`
	TenantID        string `json:"tid"`
	Topic           string `json:"topic"`
	IssuedAt        int64  `json:"iat"`
	ExpiresAt       int64  `json:"exp"`
	Region          string `json:"region"`
	EventType       string `json:"event_type"`
	EventTS         int64  `json:"event_ts"`
	ClientIPHash    string `json:"client_ip_hash"`
	UserAgentPrefix string `json:"user_agent_prefix"`
	Endpoint        string `json:"endpoint"`
	Success         bool   `json:"success"`
	ErrorDetails    string `json:"error_details,omitempty"`
}

// Archiver receives every audit record for durable storage beyond the
// Redis retention window.
type Archiver interface {
	Archive(rec Record)
}

// Auditor writes token lifecycle records to Redis with tenant and region
// indexes. Writes are best-effort: an unreachable Redis never blocks
// verification.
type Auditor struct {
	rdb       goredis.UniversalClient
	retention time.Duration
	archive   Archiver
	logger    zerolog.Logger
}

// NewAuditor creates an Auditor. rdb and archive may each be nil.
func NewAuditor(rdb goredis.UniversalClient, retention time.Duration, archive Archiver, logger zerolog.Logger) *Auditor {
	if retention <= 0 {
		retention = DefaultAuditRetention
	}
	return &Auditor{
		rdb:       rdb,
		retention: retention,
		archive:   archive,
		logger:    logger.With().Str("component", "audit").Logger(),
	}
}

// HashClientIP returns the stored form of a client address: a truncated
// SHA-256 so records are correlatable without retaining the raw IP.
func HashClientIP(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:8])
}

// TruncateUserAgent keeps only a short identifying prefix.
func TruncateUserAgent(ua string) string {
	const max = 64
	if len(ua) > max {
		return ua[:max]
	}
	return ua
}

// Record persists one event, keyed jti:event_ts, and updates the tenant
// and region indexes with the same retention TTL.
func (a *Auditor) Record(ctx context.Context, rec Record) {
	if rec.EventTS == 0 {
		rec.EventTS = time.Now().Unix()
	}
	if a.archive != nil {
		a.archive.Archive(rec)
	}
	if a.rdb == nil {
		return
	}

	key := fmt.Sprintf("%s%s:%d", auditKeyPrefix, rec.JTI, rec.EventTS)
	fields := map[string]interface{}{
		"jti":               rec.JTI,
		"sub":               rec.Sub,
		"tid":               rec.TenantID,
		"topic":             rec.Topic,
		"iat":               strconv.FormatInt(rec.IssuedAt, 10),
		"exp":               strconv.FormatInt(rec.ExpiresAt, 10),
		"region":            rec.Region,
		"event_type":        rec.EventType,
		"event_ts":          strconv.FormatInt(rec.EventTS, 10),
		"client_ip_hash":    rec.ClientIPHash,
		"user_agent_prefix": rec.UserAgentPrefix,
		"endpoint":          rec.Endpoint,
		"success":           strconv.FormatBool(rec.Success),
		"error_details":     rec.ErrorDetails,
	}

	pipe := a.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, a.retention)
	if rec.TenantID != "" {
		tkey := auditTenantPrefix + rec.TenantID
		pipe.SAdd(ctx, tkey, key)
		pipe.Expire(ctx, tkey, a.retention)
	}
	if rec.Region != "" {
		rkey := auditRegionPrefix + rec.Region
		pipe.SAdd(ctx, rkey, key)
		pipe.Expire(ctx, rkey, a.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		a.logger.Warn().Err(err).Str("jti", rec.JTI).Msg("audit write failed")
	}
}
