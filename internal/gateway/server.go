package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"astrostream/internal/auth"
	"astrostream/internal/broker"
	"astrostream/internal/limits"
	"astrostream/internal/metrics"
)

// Options tunes the delivery endpoints.
type Options struct {
	HeartbeatInterval    time.Duration
	QueueCapacity        int
	ReplayLimit          int
	CORSOrigin           string
	AllowedTopics        []string
	PublisherEnabled     bool
	DevPublishEnabled    bool
	DevPublishToken      string
	DevPublishTOTPSecret string
}

// Server wires the streaming core behind HTTP routes.
type Server struct {
	broker   *broker.Broker
	limiter  *limits.Limiter
	verifier *auth.Verifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	opts     Options
	started  time.Time
}

// NewServer creates a gateway server over the given core components.
func NewServer(b *broker.Broker, l *limits.Limiter, v *auth.Verifier, m *metrics.Metrics, logger zerolog.Logger, opts Options) *Server {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = broker.DefaultHeartbeatInterval
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = broker.DefaultQueueCapacity
	}
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = 500
	}
	return &Server{
		broker:   b,
		limiter:  l,
		verifier: v,
		metrics:  m,
		logger:   logger.With().Str("component", "gateway").Logger(),
		opts:     opts,
		started:  time.Now(),
	}
}

// Routes returns the gateway mux. Exact registrations win over the
// /stream/ prefix, so the reserved paths never resolve as topic names.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/stream/_health", s.handleHealth)
	mux.HandleFunc("/ws/health", s.handleHealth)
	mux.HandleFunc("/stream/_stats", s.handleStats)
	mux.HandleFunc("/stream/_topics", s.handleTopics)
	mux.HandleFunc("/stream/_resume", s.handleResumeStats)
	mux.HandleFunc("/stream/_limits", s.handleSetLimits)

	if s.opts.PublisherEnabled {
		mux.HandleFunc("/stream/publish/", s.handlePublish)
	}
	if s.opts.DevPublishEnabled {
		mux.HandleFunc("/_dev_publish/", s.handleDevPublish)
	}

	mux.HandleFunc("/stream/", s.handleSSE)
	mux.HandleFunc("/api/v1/stream", s.handleSSE)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/v1/ws", s.handleWS)

	return mux
}

// admit runs the shared AUTH + ADMIT sequence for a streaming handshake.
// Returns the principal and limiter key, or writes the refusal and
// returns false.
func (s *Server) admit(ctx context.Context, w http.ResponseWriter, r *http.Request, topic, endpoint string) (*auth.Principal, string, bool) {
	token, source := extractToken(r)
	p, err := s.verifier.Verify(ctx, token, topic, source, requestMeta(r, endpoint))
	if err != nil {
		s.metrics.AuthRejections.WithLabelValues(auth.CodeOf(err)).Inc()
		writeAuthProblem(w, err)
		return nil, "", false
	}
	s.metrics.AuthValidated.Inc()

	key := limiterKey(p)
	if !s.limiter.AllowConnection(key) {
		s.metrics.RateLimitViolations.WithLabelValues("connection", endpoint).Inc()
		snap := s.limiter.Snapshot(key)
		writeRateLimited(w, "connections", snap.Limit, snap.Remaining)
		return nil, "", false
	}
	if !s.limiter.AllowQPS(key, 1) {
		s.metrics.RateLimitViolations.WithLabelValues("qps", endpoint).Inc()
		snap := s.limiter.Snapshot(key)
		writeRateLimited(w, "qps", snap.Limit, snap.Remaining)
		return nil, "", false
	}
	return p, key, true
}
