// Package auth validates stream bearer tokens: signature, audience, topic
// binding, query-transport TTL, JTI single-use, tenant extraction. Every
// verification outcome is written to the audit trail.
package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Audience is the required aud claim for stream tokens.
const Audience = "stream"

// MaxQueryTokenTTL bounds exp-iat for tokens carried in a query parameter:
// 10 minutes plus 30 seconds of issuance skew.
const MaxQueryTokenTTL = 630

// StreamClaims is the stream token claim set.
type StreamClaims struct {
	TenantID string                 `json:"tid,omitempty"`
	Topic    string                 `json:"topic,omitempty"`
	Scope    string                 `json:"scope,omitempty"`
	Role     string                 `json:"role,omitempty"`
	Region   string                 `json:"region,omitempty"`
	UserMeta map[string]interface{} `json:"user_metadata,omitempty"`
	AppMeta  map[string]interface{} `json:"app_metadata,omitempty"`
	jwt.RegisteredClaims
}

// Tenant resolves the tenant id: the tid claim first, then the nested
// user_metadata / app_metadata fallbacks some issuers use.
func (c *StreamClaims) Tenant() string {
	if c.TenantID != "" {
		return c.TenantID
	}
	for _, meta := range []map[string]interface{}{c.UserMeta, c.AppMeta} {
		if meta == nil {
			continue
		}
		if v, ok := meta["tenant_id"].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Scopes splits the space-delimited scope claim.
func (c *StreamClaims) Scopes() []string {
	if c.Scope == "" {
		return nil
	}
	return strings.Fields(c.Scope)
}

// HasScope reports whether the scope claim contains s.
func (c *StreamClaims) HasScope(s string) bool {
	for _, sc := range c.Scopes() {
		if sc == s {
			return true
		}
	}
	return false
}

// Principal is the verified identity handed to endpoints.
type Principal struct {
	Sub      string
	TenantID string
	Role     string
	Scopes   []string
	Claims   *StreamClaims
}

// CanDebug reports whether the principal may hit the debug endpoints:
// admin or owner role, or an explicit stream:debug scope.
func (p *Principal) CanDebug() bool {
	if p.Role == "admin" || p.Role == "owner" {
		return true
	}
	for _, s := range p.Scopes {
		if s == "stream:debug" {
			return true
		}
	}
	return false
}

// CanPublish reports whether the principal holds the stream:publish scope.
func (p *Principal) CanPublish() bool {
	for _, s := range p.Scopes {
		if s == "stream:publish" {
			return true
		}
	}
	return false
}
