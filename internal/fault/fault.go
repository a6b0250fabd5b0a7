// Package fault defines the error taxonomy shared across the hub.
// Components wrap their failures in *Error so API surfaces and retry
// logic can classify them without string matching.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for retry and reporting decisions.
type Kind string

const (
	// Transient covers timeouts, 5xx and rate-limit signals from third
	// parties. Retried locally up to the configured cap.
	Transient Kind = "transient"

	// AuthFailed covers rejected sessions and invalid codes. Never retried;
	// the supervisor returns to authenticating and requests a new prompt.
	AuthFailed Kind = "auth_failed"

	// Validation covers malformed commands, unknown agents and other
	// caller mistakes. Fails fast.
	Validation Kind = "validation"

	// Busy covers full queues, concurrency caps and exhausted rate
	// buckets. Carries a retry-after hint; the admin API maps it to 429.
	Busy Kind = "busy"

	// NoProviderAvailable means the AI failover chain was exhausted.
	NoProviderAvailable Kind = "no_provider_available"

	// CrossAgentTimeout means a swarm call's reply window elapsed.
	CrossAgentTimeout Kind = "cross_agent_timeout"

	// CrossAgentForbidden means the target flow's ACL rejected the caller.
	CrossAgentForbidden Kind = "cross_agent_forbidden"

	// Consistency covers duplicate message IDs and out-of-order edits.
	// Recovered locally by dropping the duplicate.
	Consistency Kind = "consistency"

	// Fatal covers corrupt persistence and missing production config.
	// The affected supervisor stops; only persistence corruption exits
	// the process.
	Fatal Kind = "fatal"
)

// Error is a classified failure. Details carries per-item context such as
// the per-provider error map on NoProviderAvailable.
type Error struct {
	Kind       Kind
	Msg        string
	RetryAfter time.Duration
	Details    map[string]string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// BusyFor builds a Busy error with a retry-after hint.
func BusyFor(retryAfter time.Duration, format string, args ...any) *Error {
	return &Error{Kind: Busy, Msg: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

// KindOf extracts the classification from err, unwrapping as needed.
// Unclassified errors return the empty kind; callers decide.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a node retry policy may re-run after err.
func Retryable(err error) bool {
	return KindOf(err) == Transient
}
