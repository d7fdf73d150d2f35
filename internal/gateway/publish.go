package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	"astrostream/internal/auth"
	"astrostream/internal/broker"
	"astrostream/internal/envelope"
)

// Publishing charges more than a read because one publish fans out to
// every subscriber.
const publishCost = 5

type publishResponse struct {
	OK          bool   `json:"ok"`
	Topic       string `json:"topic"`
	PayloadSize int    `json:"payload_size"`
	Subscribers int    `json:"subscribers"`
	TS          string `json:"ts"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	s.applyCORS(w)
	if r.Method != http.MethodPost {
		writeProblem(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed", "use POST")
		return
	}
	topic := strings.TrimPrefix(r.URL.Path, "/stream/publish/")
	if !broker.ValidTopic(topic) {
		writeProblem(w, http.StatusNotFound, "unknown_topic", "Not Found", "missing or malformed topic")
		return
	}

	ctx := r.Context()
	token, source := extractToken(r)
	p, err := s.verifier.Verify(ctx, token, "", source, requestMeta(r, "publish"))
	if err != nil {
		s.metrics.AuthRejections.WithLabelValues(auth.CodeOf(err)).Inc()
		writeAuthProblem(w, err)
		return
	}
	s.metrics.AuthValidated.Inc()

	if !p.CanPublish() {
		writeProblem(w, http.StatusForbidden, "scope_missing", "Forbidden", "stream:publish scope required")
		return
	}
	if !s.topicAllowed(topic) {
		writeProblem(w, http.StatusForbidden, "topic_not_allowed", "Forbidden", "topic is not in the publish allowlist")
		return
	}

	key := limiterKey(p)
	if !s.limiter.AllowQPS(key, publishCost) {
		s.metrics.RateLimitViolations.WithLabelValues("qps", "publish").Inc()
		snap := s.limiter.Snapshot(key)
		writeRateLimited(w, "publish", snap.Limit, snap.Remaining)
		return
	}

	s.publishBody(w, r, topic)
}

// handleDevPublish is the unauthenticated development inlet, gated on a
// shared secret or a TOTP code.
func (s *Server) handleDevPublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeProblem(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed", "use POST")
		return
	}
	topic := strings.TrimPrefix(r.URL.Path, "/_dev_publish/")
	if !broker.ValidTopic(topic) {
		writeProblem(w, http.StatusNotFound, "unknown_topic", "Not Found", "missing or malformed topic")
		return
	}

	secret := r.URL.Query().Get("token")
	ok := false
	if s.opts.DevPublishToken != "" && secret == s.opts.DevPublishToken {
		ok = true
	}
	if !ok && s.opts.DevPublishTOTPSecret != "" {
		ok = totp.Validate(secret, s.opts.DevPublishTOTPSecret)
	}
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "invalid_token", "Unauthorized", "bad dev publish secret")
		return
	}

	s.publishBody(w, r, topic)
}

func (s *Server) publishBody(w http.ResponseWriter, r *http.Request, topic string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, envelope.MaxPayloadSize))
	if err != nil {
		writeProblem(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Payload Too Large", "payload exceeds 65536 bytes")
		return
	}
	if len(body) == 0 || !json.Valid(body) {
		writeProblem(w, http.StatusBadRequest, "invalid_payload", "Bad Request", "body must be a JSON document")
		return
	}

	start := time.Now()
	if _, err := s.broker.Publish(r.Context(), topic, body, envelope.EventUpdate); err != nil {
		if errors.Is(err, broker.ErrPayloadTooLarge) {
			writeProblem(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Payload Too Large", err.Error())
			return
		}
		if errors.Is(err, broker.ErrInvalidTopic) {
			writeProblem(w, http.StatusNotFound, "unknown_topic", "Not Found", err.Error())
			return
		}
		writeProblem(w, http.StatusInternalServerError, "broker_unavailable", "Internal Server Error", err.Error())
		return
	}
	s.metrics.PublishLatency.Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, publishResponse{
		OK:          true,
		Topic:       topic,
		PayloadSize: len(body),
		Subscribers: s.broker.Subscribers(topic),
		TS:          time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) topicAllowed(topic string) bool {
	for _, t := range s.opts.AllowedTopics {
		if strings.TrimSpace(t) == topic {
			return true
		}
	}
	return false
}
