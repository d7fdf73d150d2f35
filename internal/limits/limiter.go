// Package limits is per-tenant admission control: a connection counter and
// a token bucket per tenant, with idle-tenant garbage collection so the
// registry stays bounded.
package limits

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// DefaultQPS is the per-tenant refill rate when none is configured.
	DefaultQPS = 10.0
	// DefaultBurst is the per-tenant bucket capacity.
	DefaultBurst = 20
	// DefaultConnections caps concurrent connections per tenant.
	DefaultConnections = 10
	// DefaultIdleTTL is how long a quiescent tenant survives before GC.
	DefaultIdleTTL = 600 * time.Second

	// Bucket math runs on integer tokens; fractional request costs (a
	// WebSocket command charges 0.1) are scaled by this factor.
	costScale = 10
)

// Defaults are the limits a tenant receives on first sight.
type Defaults struct {
	QPS         float64
	Burst       int
	Connections int
}

// Snapshot reports a tenant's current bucket state for response headers.
type Snapshot struct {
	Limit     float64 `json:"limit"`
	Remaining int     `json:"remaining"`
}

// TenantInfo is the debug-endpoint view of a single tenant.
type TenantInfo struct {
	QPS             float64 `json:"qps_rate"`
	Burst           int     `json:"burst"`
	ConnectionLimit int     `json:"connection_limit"`
	Active          int     `json:"active_connections"`
	Remaining       int     `json:"tokens_remaining"`
	IdleFor         float64 `json:"idle_seconds"`
}

type tenant struct {
	mu           sync.Mutex
	qps          float64
	burst        int
	connLimit    int
	active       int
	bucket       *rate.Limiter
	lastActivity time.Time
}

func (t *tenant) resetBucket() {
	t.bucket = rate.NewLimiter(rate.Limit(t.qps*costScale), t.burst*costScale)
}

// Limiter is the process-local tenant registry. State resets on restart,
// which is acceptable because connections are ephemeral.
type Limiter struct {
	defaults Defaults
	idleTTL  time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu      sync.RWMutex
	tenants map[string]*tenant

	// OnViolation, if set, is called with "connection" or "qps".
	OnViolation func(kind string)
}

// New creates a Limiter. Zero defaults fields fall back to package defaults.
func New(d Defaults, idleTTL time.Duration, logger zerolog.Logger) *Limiter {
	if d.QPS <= 0 {
		d.QPS = DefaultQPS
	}
	if d.Burst <= 0 {
		d.Burst = DefaultBurst
	}
	if d.Connections <= 0 {
		d.Connections = DefaultConnections
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Limiter{
		defaults: d,
		idleTTL:  idleTTL,
		now:      time.Now,
		logger:   logger.With().Str("component", "limits").Logger(),
		tenants:  make(map[string]*tenant),
	}
}

// tenantFor returns the tenant record, creating it with defaults on first
// observation.
func (l *Limiter) tenantFor(tid string) *tenant {
	l.mu.RLock()
	t, ok := l.tenants[tid]
	l.mu.RUnlock()
	if ok {
		return t
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok = l.tenants[tid]; ok {
		return t
	}
	t = &tenant{
		qps:          l.defaults.QPS,
		burst:        l.defaults.Burst,
		connLimit:    l.defaults.Connections,
		lastActivity: l.now(),
	}
	t.resetBucket()
	l.tenants[tid] = t
	l.logger.Debug().Str("tenant", tid).Msg("tenant created")
	return t
}

// AllowConnection reports whether the tenant is under its connection cap.
func (l *Limiter) AllowConnection(tid string) bool {
	t := l.tenantFor(tid)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastActivity = l.now()
	ok := t.active < t.connLimit
	if !ok && l.OnViolation != nil {
		l.OnViolation("connection")
	}
	return ok
}

// AddConnection records a new connection for the tenant.
func (l *Limiter) AddConnection(tid string) {
	t := l.tenantFor(tid)
	t.mu.Lock()
	t.active++
	t.lastActivity = l.now()
	t.mu.Unlock()
}

// RemoveConnection records a disconnect and attempts tenant GC.
func (l *Limiter) RemoveConnection(tid string) {
	t := l.tenantFor(tid)
	t.mu.Lock()
	if t.active > 0 {
		t.active--
	}
	t.lastActivity = l.now()
	t.mu.Unlock()
	l.collect(tid)
}

// AllowQPS consumes cost tokens from the tenant's bucket. Returns false
// without queueing when the bucket cannot cover the cost.
func (l *Limiter) AllowQPS(tid string, cost float64) bool {
	if cost <= 0 {
		cost = 1
	}
	n := int(math.Ceil(cost * costScale))

	t := l.tenantFor(tid)
	t.mu.Lock()
	defer t.mu.Unlock()
	now := l.now()
	t.lastActivity = now
	ok := t.bucket.AllowN(now, n)
	if !ok && l.OnViolation != nil {
		l.OnViolation("qps")
	}
	return ok
}

// Snapshot returns the tenant's limit and remaining whole tokens.
func (l *Limiter) Snapshot(tid string) Snapshot {
	t := l.tenantFor(tid)
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := int(t.bucket.TokensAt(l.now()) / costScale)
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{Limit: t.qps, Remaining: remaining}
}

// SetLimits overrides a tenant's limits. Nil fields keep current values.
// Changing rate or burst resets the bucket to full at the new capacity.
func (l *Limiter) SetLimits(tid string, qps *float64, burst, connLimit *int) {
	t := l.tenantFor(tid)
	t.mu.Lock()
	defer t.mu.Unlock()

	reset := false
	if qps != nil && *qps > 0 && *qps != t.qps {
		t.qps = *qps
		reset = true
	}
	if burst != nil && *burst > 0 && *burst != t.burst {
		t.burst = *burst
		reset = true
	}
	if connLimit != nil && *connLimit > 0 {
		t.connLimit = *connLimit
	}
	if reset {
		t.resetBucket()
	}
	t.lastActivity = l.now()
}

// collect removes the tenant when it is back to a state indistinguishable
// from never having existed: no connections, default limits, full bucket,
// and idle past the TTL.
func (l *Limiter) collect(tid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tenants[tid]
	if !ok {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := l.now()
	if t.active != 0 {
		return false
	}
	if t.qps != l.defaults.QPS || t.burst != l.defaults.Burst || t.connLimit != l.defaults.Connections {
		return false
	}
	if t.bucket.TokensAt(now) < float64(t.burst*costScale) {
		return false
	}
	if now.Sub(t.lastActivity) <= l.idleTTL {
		return false
	}

	delete(l.tenants, tid)
	l.logger.Debug().Str("tenant", tid).Msg("tenant collected")
	return true
}

// Sweep garbage-collects every eligible tenant and returns how many were
// removed. Intended for a periodic background ticker.
func (l *Limiter) Sweep() int {
	l.mu.RLock()
	ids := make([]string, 0, len(l.tenants))
	for tid := range l.tenants {
		ids = append(ids, tid)
	}
	l.mu.RUnlock()

	removed := 0
	for _, tid := range ids {
		if l.collect(tid) {
			removed++
		}
	}
	return removed
}

// Tenants returns a point-in-time view of all tracked tenants for the
// debug endpoints.
func (l *Limiter) Tenants() map[string]TenantInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	out := make(map[string]TenantInfo, len(l.tenants))
	for tid, t := range l.tenants {
		t.mu.Lock()
		remaining := int(t.bucket.TokensAt(now) / costScale)
		if remaining < 0 {
			remaining = 0
		}
		out[tid] = TenantInfo{
			QPS:             t.qps,
			Burst:           t.burst,
			ConnectionLimit: t.connLimit,
			Active:          t.active,
			Remaining:       remaining,
			IdleFor:         now.Sub(t.lastActivity).Seconds(),
		}
		t.mu.Unlock()
	}
	return out
}
