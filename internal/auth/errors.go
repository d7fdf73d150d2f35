package auth

import "fmt"

// Rejection codes surfaced to endpoints and recorded in the audit trail.
const (
	CodeMissingToken     = "missing_token"
	CodeInvalidToken     = "invalid_token"
	CodeExpiredToken     = "expired_token"
	CodeWrongAudience    = "wrong_audience"
	CodeWrongTopic       = "wrong_topic"
	CodeQueryTTLExceeded = "query_ttl_exceeded"
	CodeTenantMissing    = "tenant_missing"
	CodeReplayAttempted  = "replay_attempted"
)

// Error is a token rejection with a stable machine-readable code.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

func reject(code string, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the rejection code, defaulting to invalid_token for
// errors that did not originate here.
func CodeOf(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return CodeInvalidToken
}
