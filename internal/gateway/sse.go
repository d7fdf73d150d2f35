package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"astrostream/internal/auth"
	"astrostream/internal/broker"
	"astrostream/internal/envelope"
)

const sseRetryMillis = 15000

type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	return &sseWriter{w: w, f: f}, nil
}

func (sw *sseWriter) writeRetry(ms int) error {
	if _, err := fmt.Fprintf(sw.w, "retry: %d\n\n", ms); err != nil {
		return err
	}
	sw.f.Flush()
	return nil
}

func (sw *sseWriter) writeFrame(id uint64, event string, data []byte) error {
	if _, err := fmt.Fprintf(sw.w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data); err != nil {
		return err
	}
	sw.f.Flush()
	return nil
}

func (sw *sseWriter) writeComment(c string) error {
	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", c); err != nil {
		return err
	}
	sw.f.Flush()
	return nil
}

// sseTopic resolves the topic from /stream/{topic} or ?topic=.
func sseTopic(r *http.Request) string {
	if strings.HasPrefix(r.URL.Path, "/stream/") {
		return strings.TrimPrefix(r.URL.Path, "/stream/")
	}
	return r.URL.Query().Get("topic")
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	s.applyCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		writeProblem(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed", "use GET")
		return
	}
	topic := sseTopic(r)
	if !broker.ValidTopic(topic) {
		writeProblem(w, http.StatusNotFound, "unknown_topic", "Not Found", "missing or malformed topic")
		return
	}

	ctx := r.Context()
	_, source := extractToken(r)
	p, key, ok := s.admit(ctx, w, r, topic, "sse")
	if !ok {
		return
	}

	s.limiter.AddConnection(key)
	s.metrics.ConnectionsTotal.WithLabelValues("sse").Inc()
	s.metrics.ConnectionsActive.WithLabelValues("sse").Inc()
	connStart := time.Now()
	delivered := 0

	q := s.broker.Subscribe(topic, s.opts.QueueCapacity)
	s.metrics.SubscribersActive.WithLabelValues(topic).Set(float64(s.broker.Subscribers(topic)))

	defer func() {
		s.broker.Unsubscribe(topic, q)
		s.limiter.RemoveConnection(key)
		s.metrics.ConnectionsActive.WithLabelValues("sse").Dec()
		s.metrics.SubscribersActive.WithLabelValues(topic).Set(float64(s.broker.Subscribers(topic)))
		s.metrics.ConnectionDuration.WithLabelValues("sse").Observe(time.Since(connStart).Seconds())
		s.logger.Debug().
			Str("topic", topic).
			Str("tenant", p.TenantID).
			Dur("duration", time.Since(connStart)).
			Int("delivered", delivered).
			Msg("sse connection closed")
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Vary", "Authorization, Accept")
	if source == auth.SourceQuery {
		h.Set("Warning", `299 - "query-parameter tokens are deprecated; use the Authorization header"`)
		h.Set("Deprecation", "true")
		h.Set("Sunset", "Wed, 31 Dec 2026 23:59:59 GMT")
	}

	sw, err := newSSEWriter(w)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "streaming_unsupported", "Internal Server Error", err.Error())
		return
	}
	if err := sw.writeRetry(sseRetryMillis); err != nil {
		return
	}

	// Resume before live so a racing publish lands behind the replayed
	// envelopes in the already-registered queue.
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		lastSeq, perr := strconv.ParseUint(lastID, 10, 64)
		if perr == nil {
			st := s.broker.ResumeStats(ctx, topic)
			if st.Size > 0 && lastSeq+1 < st.MinSeq {
				reset := envelope.Build(time.Now(), 0, topic, envelope.EventReset, []byte(`"full-resync"`))
				sw.writeFrame(0, envelope.EventReset, reset)
				return
			}
			for _, entry := range s.broker.ReplaySince(ctx, topic, lastSeq, s.opts.ReplayLimit) {
				env, perr := envelope.Parse(entry)
				if perr != nil {
					continue
				}
				if err := sw.writeFrame(env.Seq, env.Event, entry); err != nil {
					return
				}
				delivered++
				s.metrics.EnvelopesReplayed.Inc()
			}
		}
	}

	// Query tokens terminate the stream at their absolute expiry.
	var tokenExp time.Time
	if source == auth.SourceQuery && p.Claims.ExpiresAt != nil {
		tokenExp = p.Claims.ExpiresAt.Time
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if !tokenExp.IsZero() && time.Now().After(tokenExp) {
			errEnv := envelope.Build(time.Now(), 0, topic, envelope.EventError, []byte(`{"code":"token_expired","message":"query token expired, reconnect with a fresh token"}`))
			sw.writeFrame(0, envelope.EventError, errEnv)
			return
		}

		data := s.broker.Next(q, s.opts.HeartbeatInterval)
		env, perr := envelope.Parse(data)
		if perr != nil {
			continue
		}
		if env.Topic == envelope.HeartbeatTopic {
			s.metrics.HeartbeatsSent.Inc()
			if err := sw.writeComment("ping"); err != nil {
				return
			}
		}
		if err := sw.writeFrame(env.Seq, env.Event, data); err != nil {
			return
		}
		delivered++
	}
}
