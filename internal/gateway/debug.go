package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"astrostream/internal/auth"
)

// requireDebug gates the introspection endpoints on admin/owner role or
// the stream:debug scope.
func (s *Server) requireDebug(w http.ResponseWriter, r *http.Request) *auth.Principal {
	token, source := extractToken(r)
	p, err := s.verifier.Verify(r.Context(), token, "", source, requestMeta(r, r.URL.Path))
	if err != nil {
		s.metrics.AuthRejections.WithLabelValues(auth.CodeOf(err)).Inc()
		writeAuthProblem(w, err)
		return nil
	}
	if !p.CanDebug() {
		writeProblem(w, http.StatusForbidden, "admin_required", "Forbidden", "admin role or stream:debug scope required")
		return nil
	}
	return p
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.requireDebug(w, r) == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"broker":  s.broker.Stats(),
		"tenants": s.limiter.Tenants(),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	if s.requireDebug(w, r) == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"topics": s.broker.Stats().Topics,
	})
}

func (s *Server) handleResumeStats(w http.ResponseWriter, r *http.Request) {
	if s.requireDebug(w, r) == nil {
		return
	}
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeProblem(w, http.StatusBadRequest, "missing_topic", "Bad Request", "topic query parameter required")
		return
	}
	st := s.broker.ResumeStats(r.Context(), topic)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"topic":   topic,
		"size":    st.Size,
		"min_seq": st.MinSeq,
		"max_seq": st.MaxSeq,
	})
}

// handleSetLimits applies tenant limit overrides. Overrides are volatile:
// tenant GC forgets them once the tenant goes fully idle.
func (s *Server) handleSetLimits(w http.ResponseWriter, r *http.Request) {
	if s.requireDebug(w, r) == nil {
		return
	}
	if r.Method != http.MethodPost {
		writeProblem(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed", "use POST")
		return
	}

	var req struct {
		Tenant          string   `json:"tenant"`
		QPS             *float64 `json:"qps_rate"`
		Burst           *int     `json:"burst"`
		ConnectionLimit *int     `json:"connection_limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tenant == "" {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Bad Request", "body must name a tenant")
		return
	}

	s.limiter.SetLimits(req.Tenant, req.QPS, req.Burst, req.ConnectionLimit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"tenant": req.Tenant,
		"limits": s.limiter.Tenants()[req.Tenant],
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.broker.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"stats": map[string]interface{}{
			"published":   st.Published,
			"dropped":     st.Dropped,
			"subscribers": st.Subscribers,
			"topics":      len(st.Topics),
			"uptime":      time.Since(s.started).Round(time.Second).String(),
		},
	})
}
