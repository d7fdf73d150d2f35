package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const testSecret = "test-secret"

type tokenOpts struct {
	aud    string
	topic  string
	tenant string
	scope  string
	role   string
	jti    string
	ttl    time.Duration
	iatAgo time.Duration
	meta   map[string]interface{}
}

func signToken(t *testing.T, o tokenOpts) string {
	t.Helper()
	if o.aud == "" {
		o.aud = "stream"
	}
	if o.jti == "" {
		o.jti = fmt.Sprintf("jti-%d", time.Now().UnixNano())
	}
	if o.ttl == 0 {
		o.ttl = 5 * time.Minute
	}
	iat := time.Now().Add(-o.iatAgo)
	claims := &StreamClaims{
		TenantID: o.tenant,
		Topic:    o.topic,
		Scope:    o.scope,
		Role:     o.role,
		UserMeta: o.meta,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{o.aud},
			ID:        o.jti,
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(iat.Add(o.ttl)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func newTestVerifier(t *testing.T, cfg Config) (*Verifier, goredis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	if cfg.Secret == "" && cfg.JWKSURL == "" {
		cfg.Secret = testSecret
	}
	jti := NewJTIStore(rdb, zerolog.Nop())
	audit := NewAuditor(rdb, time.Hour, nil, zerolog.Nop())
	v, err := NewVerifier(cfg, jti, audit, zerolog.Nop())
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v, rdb
}

func TestVerifyValidToken(t *testing.T) {
	v, _ := newTestVerifier(t, Config{})
	tok := signToken(t, tokenOpts{topic: "moon", tenant: "acme", scope: "stream:read stream:publish", role: "user"})

	p, err := v.Verify(context.Background(), tok, "moon", SourceHeader, RequestMeta{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Sub != "user-1" || p.TenantID != "acme" || p.Role != "user" {
		t.Errorf("principal: %+v", p)
	}
	if !p.CanPublish() {
		t.Error("stream:publish scope not recognized")
	}
	if p.CanDebug() {
		t.Error("plain user should not have debug access")
	}
}

func TestVerifySingleUse(t *testing.T) {
	v, _ := newTestVerifier(t, Config{})
	tok := signToken(t, tokenOpts{topic: "moon", tenant: "acme"})
	ctx := context.Background()

	if _, err := v.Verify(ctx, tok, "moon", SourceHeader, RequestMeta{}); err != nil {
		t.Fatalf("first use: %v", err)
	}
	_, err := v.Verify(ctx, tok, "moon", SourceHeader, RequestMeta{})
	if CodeOf(err) != CodeReplayAttempted {
		t.Errorf("second use: got %v, want %s", err, CodeReplayAttempted)
	}
}

func TestVerifyRejections(t *testing.T) {
	v, _ := newTestVerifier(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name  string
		token string
		topic string
		src   Source
		want  string
	}{
		{"missing", "", "", SourceHeader, CodeMissingToken},
		{"garbage", "not.a.jwt", "", SourceHeader, CodeInvalidToken},
		{"wrong audience", signToken(t, tokenOpts{aud: "other"}), "", SourceHeader, CodeWrongAudience},
		{"wrong topic", signToken(t, tokenOpts{topic: "moon"}), "mars", SourceHeader, CodeWrongTopic},
		{"query ttl", signToken(t, tokenOpts{ttl: 20 * time.Minute}), "", SourceQuery, CodeQueryTTLExceeded},
		{"expired", signToken(t, tokenOpts{iatAgo: time.Hour, ttl: 5 * time.Minute}), "", SourceHeader, CodeExpiredToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(ctx, tt.token, tt.topic, tt.src, RequestMeta{})
			if err == nil {
				t.Fatal("expected rejection")
			}
			if CodeOf(err) != tt.want {
				t.Errorf("code: got %s, want %s", CodeOf(err), tt.want)
			}
		})
	}
}

func TestVerifyLongTTLAllowedFromHeader(t *testing.T) {
	v, _ := newTestVerifier(t, Config{})
	tok := signToken(t, tokenOpts{ttl: 20 * time.Minute})
	if _, err := v.Verify(context.Background(), tok, "", SourceHeader, RequestMeta{}); err != nil {
		t.Errorf("long-ttl header token rejected: %v", err)
	}
}

func TestVerifyTenantFromMetadata(t *testing.T) {
	v, _ := newTestVerifier(t, Config{RequireTenant: true})
	tok := signToken(t, tokenOpts{meta: map[string]interface{}{"tenant_id": "nested"}})

	p, err := v.Verify(context.Background(), tok, "", SourceHeader, RequestMeta{})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.TenantID != "nested" {
		t.Errorf("tenant: got %q, want nested", p.TenantID)
	}
}

func TestVerifyRequireTenant(t *testing.T) {
	v, _ := newTestVerifier(t, Config{RequireTenant: true})
	tok := signToken(t, tokenOpts{})
	_, err := v.Verify(context.Background(), tok, "", SourceHeader, RequestMeta{})
	if CodeOf(err) != CodeTenantMissing {
		t.Errorf("got %v, want %s", err, CodeTenantMissing)
	}
}

func TestVerifyBadSignature(t *testing.T) {
	v, _ := newTestVerifier(t, Config{})
	claims := &StreamClaims{RegisteredClaims: jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{"stream"},
		ID:        "j1",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("another-key-entirely-not-the-one"))

	_, err := v.Verify(context.Background(), tok, "", SourceHeader, RequestMeta{})
	if CodeOf(err) != CodeInvalidToken {
		t.Errorf("got %v, want %s", err, CodeInvalidToken)
	}
}

func TestVerifierConfigInvariants(t *testing.T) {
	jti := NewJTIStore(nil, zerolog.Nop())

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"secret only", Config{Secret: "k"}, false},
		{"jwks only", Config{JWKSURL: "https://issuer/jwks.json"}, false},
		{"both", Config{Secret: "k", JWKSURL: "https://issuer/jwks.json"}, true},
		{"neither", Config{}, true},
		{"short production secret", Config{Secret: "short", Production: true}, true},
		{"weak production secret", Config{Secret: "secretsecretsecretsecretsecretsecret", Production: true}, true},
		{"strong production secret", Config{Secret: "Zr9#mK2$vL8@pQ4!wN6&xB1*cD3^eF5%", Production: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVerifier(tt.cfg, jti, nil, zerolog.Nop())
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuditTrailWritten(t *testing.T) {
	v, rdb := newTestVerifier(t, Config{})
	ctx := context.Background()
	tok := signToken(t, tokenOpts{tenant: "acme", jti: "audit-jti"})

	if _, err := v.Verify(ctx, tok, "", SourceHeader, RequestMeta{
		ClientIP: "203.0.113.7", UserAgent: "curl/8.0", Endpoint: "/stream/moon",
	}); err != nil {
		t.Fatalf("verify: %v", err)
	}

	keys, err := rdb.Keys(ctx, "token_audit:audit-jti:*").Result()
	if err != nil || len(keys) != 1 {
		t.Fatalf("audit keys: %v, err %v", keys, err)
	}
	rec, _ := rdb.HGetAll(ctx, keys[0]).Result()
	if rec["event_type"] != EventValidated || rec["success"] != "true" {
		t.Errorf("audit record: %v", rec)
	}
	if rec["client_ip_hash"] == "" || rec["client_ip_hash"] == "203.0.113.7" {
		t.Errorf("client ip not hashed: %q", rec["client_ip_hash"])
	}

	members, _ := rdb.SMembers(ctx, "token_audit_tenant:acme").Result()
	if len(members) != 1 {
		t.Errorf("tenant index: %v", members)
	}
}

func TestJTIFallbackWithoutRedis(t *testing.T) {
	s := NewJTIStore(nil, zerolog.Nop())
	ctx := context.Background()
	if !s.MarkUsed(ctx, "j1", time.Minute) {
		t.Fatal("first use refused")
	}
	if s.MarkUsed(ctx, "j1", time.Minute) {
		t.Error("replay not caught by local fallback")
	}
}

func TestDebugAccess(t *testing.T) {
	tests := []struct {
		role  string
		scope string
		want  bool
	}{
		{"admin", "", true},
		{"owner", "", true},
		{"user", "stream:debug", true},
		{"user", "stream:read", false},
		{"", "", false},
	}
	for _, tt := range tests {
		p := &Principal{Role: tt.role, Scopes: (&StreamClaims{Scope: tt.scope}).Scopes()}
		if p.CanDebug() != tt.want {
			t.Errorf("role %q scope %q: got %v, want %v", tt.role, tt.scope, p.CanDebug(), tt.want)
		}
	}
}
