package introspection

import (
	"errors"
	"fmt"
)

// Kind classifies an introspection failure. The set is closed; callers are
// expected to switch over every value.
type Kind int

const (
	// KindUnauthorized: the authority rejected our client credentials (401).
	KindUnauthorized Kind = iota + 1
	// KindForbidden: our client may not introspect (403).
	KindForbidden
	// KindRateLimited: the authority answered 429, or the local limiter
	// could not grant a slot within the call budget.
	KindRateLimited
	// KindTransport: timeout, connection failure or broken body.
	KindTransport
	// KindProtocol: unexpected status or unparseable response.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// ErrEmptyToken is returned when asked to introspect a blank token.
var ErrEmptyToken = errors.New("token must be provided")

// Error is returned by Client.Introspect for every failure except the
// caller's own cancellation, which is returned unwrapped.
type Error struct {
	Kind       Kind
	StatusCode int
	// Snippet holds at most snippetLimit characters of the response body.
	Snippet string
	Err     error
}

func (e *Error) Error() string {
	msg := "introspection " + e.Kind.String()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Snippet != "" {
		msg += ": " + e.Snippet
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind of an introspection error.
func KindOf(err error) (Kind, bool) {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return 0, false
}

// IsRateLimited reports whether err signals throttling.
func IsRateLimited(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindRateLimited
}
