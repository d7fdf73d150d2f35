package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Source is how the token reached the endpoint. Query-carried tokens get
// a tighter TTL bound because URLs leak into logs and referrers.
type Source string

const (
	SourceHeader Source = "header"
	SourceQuery  Source = "query"
)

// RequestMeta carries request attributes into the audit trail.
type RequestMeta struct {
	ClientIP  string
	UserAgent string
	Endpoint  string
}

// Config tunes the verifier. Exactly one of Secret or JWKSURL must be set.
type Config struct {
	Secret        string
	JWKSURL       string
	Audience      string
	Issuer        string
	Leeway        time.Duration
	RequireTenant bool
	Production    bool
}

// Substrings that disqualify a symmetric secret in production.
var weakSecretPatterns = []string{"secret", "password", "changeme", "default", "example", "test"}

// Verifier validates stream tokens and records every outcome.
type Verifier struct {
	cfg    Config
	secret []byte
	jwks   *JWKSCache
	jti    *JTIStore
	audit  *Auditor
	logger zerolog.Logger
}

// NewVerifier builds a Verifier, enforcing the key-configuration
// invariants at startup.
func NewVerifier(cfg Config, jti *JTIStore, audit *Auditor, logger zerolog.Logger) (*Verifier, error) {
	if cfg.Secret != "" && cfg.JWKSURL != "" {
		return nil, errors.New("auth: both JWT secret and JWKS URL configured; exactly one is required")
	}
	if cfg.Secret == "" && cfg.JWKSURL == "" {
		return nil, errors.New("auth: neither JWT secret nor JWKS URL configured")
	}
	if cfg.Secret != "" && cfg.Production {
		if len(cfg.Secret) < 32 {
			return nil, errors.New("auth: production JWT secret must be at least 32 characters")
		}
		lower := strings.ToLower(cfg.Secret)
		for _, p := range weakSecretPatterns {
			if strings.Contains(lower, p) {
				return nil, fmt.Errorf("auth: production JWT secret contains weak pattern %q", p)
			}
		}
	}
	if cfg.Audience == "" {
		cfg.Audience = Audience
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = 60 * time.Second
	}

	v := &Verifier{
		cfg:    cfg,
		jti:    jti,
		audit:  audit,
		logger: logger.With().Str("component", "auth").Logger(),
	}
	if cfg.Secret != "" {
		v.secret = []byte(cfg.Secret)
	} else {
		v.jwks = NewJWKSCache(cfg.JWKSURL)
	}
	return v, nil
}

func (v *Verifier) keyfunc(t *jwt.Token) (interface{}, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if v.secret == nil {
			return nil, errors.New("HMAC token but no symmetric secret configured")
		}
		return v.secret, nil
	case *jwt.SigningMethodRSA:
		if v.jwks == nil {
			return nil, errors.New("RSA token but no JWKS endpoint configured")
		}
		kid, _ := t.Header["kid"].(string)
		return v.jwks.Key(kid)
	default:
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
}

// Verify runs the full check sequence on token and returns the principal.
// expectedTopic may be empty to skip the topic binding check. Every
// outcome, pass or fail, lands in the audit trail.
func (v *Verifier) Verify(ctx context.Context, token, expectedTopic string, source Source, meta RequestMeta) (*Principal, error) {
	if token == "" {
		v.record(ctx, nil, meta, EventRejected, false, CodeMissingToken)
		return nil, reject(CodeMissingToken, nil)
	}

	claims := &StreamClaims{}
	opts := []jwt.ParserOption{jwt.WithLeeway(v.cfg.Leeway)}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if _, err := jwt.ParseWithClaims(token, claims, v.keyfunc, opts...); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			v.record(ctx, claims, meta, EventRejected, false, CodeExpiredToken)
			return nil, reject(CodeExpiredToken, err)
		}
		v.record(ctx, claims, meta, EventInvalidSignature, false, err.Error())
		return nil, reject(CodeInvalidToken, err)
	}

	if !v.hasAudience(claims) {
		v.record(ctx, claims, meta, EventRejected, false, CodeWrongAudience)
		return nil, reject(CodeWrongAudience, fmt.Errorf("aud %v", claims.Audience))
	}

	if expectedTopic != "" && claims.Topic != expectedTopic {
		v.record(ctx, claims, meta, EventRejected, false, CodeWrongTopic)
		return nil, reject(CodeWrongTopic, fmt.Errorf("token topic %q, requested %q", claims.Topic, expectedTopic))
	}

	ttl := tokenTTL(claims)
	if source == SourceQuery && ttl > MaxQueryTokenTTL*time.Second {
		v.record(ctx, claims, meta, EventRejected, false, CodeQueryTTLExceeded)
		return nil, reject(CodeQueryTTLExceeded, fmt.Errorf("query token ttl %s exceeds %ds", ttl, MaxQueryTokenTTL))
	}

	jti := claims.ID
	if jti == "" {
		v.record(ctx, claims, meta, EventRejected, false, "missing jti")
		return nil, reject(CodeInvalidToken, errors.New("token has no jti"))
	}
	if !v.jti.MarkUsed(ctx, jti, ttl) {
		v.record(ctx, claims, meta, EventReplayAttempted, false, CodeReplayAttempted)
		return nil, reject(CodeReplayAttempted, fmt.Errorf("jti %s already used", jti))
	}

	tenant := claims.Tenant()
	if tenant == "" && v.cfg.RequireTenant {
		v.record(ctx, claims, meta, EventRejected, false, CodeTenantMissing)
		return nil, reject(CodeTenantMissing, errors.New("no tenant claim"))
	}

	v.record(ctx, claims, meta, EventValidated, true, "")
	return &Principal{
		Sub:      claims.Subject,
		TenantID: tenant,
		Role:     claims.Role,
		Scopes:   claims.Scopes(),
		Claims:   claims,
	}, nil
}

func (v *Verifier) hasAudience(claims *StreamClaims) bool {
	for _, aud := range claims.Audience {
		if aud == v.cfg.Audience {
			return true
		}
	}
	return false
}

func tokenTTL(claims *StreamClaims) time.Duration {
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return 0
	}
	return claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time)
}

func (v *Verifier) record(ctx context.Context, claims *StreamClaims, meta RequestMeta, event string, success bool, details string) {
	if v.audit == nil {
		return
	}
	rec := Record{
		EventType:       event,
		EventTS:         time.Now().Unix(),
		ClientIPHash:    HashClientIP(meta.ClientIP),
		UserAgentPrefix: TruncateUserAgent(meta.UserAgent),
		Endpoint:        meta.Endpoint,
		Success:         success,
		ErrorDetails:    details,
	}
	if claims != nil {
		rec.JTI = claims.ID
		rec.Sub = claims.Subject
		rec.TenantID = claims.Tenant()
		rec.Topic = claims.Topic
		rec.Region = claims.Region
		if claims.IssuedAt != nil {
			rec.IssuedAt = claims.IssuedAt.Unix()
		}
		if claims.ExpiresAt != nil {
			rec.ExpiresAt = claims.ExpiresAt.Unix()
		}
	}
	v.audit.Record(ctx, rec)
}
