// Package gateway serves the delivery endpoints: SSE and WebSocket
// streaming, the HTTP publish inlet, and the debug/health surface.
package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"astrostream/internal/auth"
)

// problemDoc is the structured error body for non-streaming failures.
type problemDoc struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

func writeProblem(w http.ResponseWriter, status int, code, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(problemDoc{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
		Code:   code,
	})
}

// writeAuthProblem maps a verifier rejection to a response. Topic binding
// failures are authorization (403); everything else is authentication (401).
func writeAuthProblem(w http.ResponseWriter, err error) {
	code := auth.CodeOf(err)
	if code == auth.CodeWrongTopic {
		writeProblem(w, http.StatusForbidden, code, "Forbidden", "token is not valid for this topic")
		return
	}
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	writeProblem(w, http.StatusUnauthorized, code, "Unauthorized", "token validation failed")
}

// writeRateLimited answers an admission refusal with retry metadata.
// kind is "connections" or "qps".
func writeRateLimited(w http.ResponseWriter, kind string, limit float64, remaining int) {
	w.Header().Set("Retry-After", "1")
	w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(limit, 'f', -1, 64))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Limit-Type", kind)
	writeProblem(w, http.StatusTooManyRequests, kind+"_limit", "Too Many Requests", "tenant rate limit exceeded")
}

// extractToken pulls the bearer token from the Authorization header or the
// token query parameter. The header wins when both are present.
func extractToken(r *http.Request) (string, auth.Source) {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(h, prefix) {
			return strings.TrimPrefix(h, prefix), auth.SourceHeader
		}
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, auth.SourceQuery
	}
	return "", auth.SourceHeader
}

// clientIP strips the port from RemoteAddr, honoring X-Forwarded-For from
// a fronting proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestMeta(r *http.Request, endpoint string) auth.RequestMeta {
	return auth.RequestMeta{
		ClientIP:  clientIP(r),
		UserAgent: r.Header.Get("User-Agent"),
		Endpoint:  endpoint,
	}
}

// applyCORS writes the configured CORS headers. An empty origin disables
// cross-origin access.
func (s *Server) applyCORS(w http.ResponseWriter) {
	if s.opts.CORSOrigin == "" {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", s.opts.CORSOrigin)
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Last-Event-ID, Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
}

// limiterKey picks the rate-limiter identity for a principal. Tokens
// without a tenant claim are pooled per subject.
func limiterKey(p *auth.Principal) string {
	if p.TenantID != "" {
		return p.TenantID
	}
	if p.Sub != "" {
		return "sub:" + p.Sub
	}
	return "public"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
