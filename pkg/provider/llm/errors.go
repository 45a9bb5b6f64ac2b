package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies a failed generation so the caller can pick a retry
// policy.
type ErrorKind string

const (
	// KindTransient covers timeouts, 5xx and connection failures. Retried.
	KindTransient ErrorKind = "transient"
	// KindAuth covers 401 and 403. Never retried.
	KindAuth ErrorKind = "auth"
	// KindRateLimit covers 429 and quota exhaustion. Retried with a longer delay.
	KindRateLimit ErrorKind = "rate_limit"
	// KindMalformed covers unparsable output, truncated streams and tool-loop
	// overruns. Retried as a normal attempt.
	KindMalformed ErrorKind = "malformed"
)

// Sentinels matched by [Error.Is].
var (
	ErrAuth        = errors.New("llm: unauthorized")
	ErrRateLimited = errors.New("llm: rate limited")

	// ErrToolDepthExceeded is returned when the model keeps requesting tools
	// past [MaxToolDepth].
	ErrToolDepthExceeded = errors.New("llm: tool call depth exceeded")

	// ErrEmptyResponse is returned when the model produced neither text nor
	// tool calls.
	ErrEmptyResponse = errors.New("llm: empty response")

	// ErrNoProvider is returned by [Router.Select] when nothing applies.
	ErrNoProvider = errors.New("llm: no applicable provider")
)

// Error is a classified provider failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	// Status is the HTTP status code, or zero when none was received.
	Status int
	Err    error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("llm: ")
	if e.Provider != "" {
		sb.WriteString(e.Provider)
		sb.WriteString(": ")
	}
	sb.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&sb, " (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrAuth) and errors.Is(err, ErrRateLimited) match
// classified errors.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrRateLimited:
		return e.Kind == KindRateLimit
	}
	return false
}

// NewError classifies err using the HTTP status when one is known and the
// error text otherwise.
func NewError(provider string, status int, err error) *Error {
	kind := KindFromStatus(status)
	if status == 0 {
		kind = Classify(err)
	}
	return &Error{Kind: kind, Provider: provider, Status: status, Err: err}
}

// KindFromStatus maps an HTTP status code to an ErrorKind.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindMalformed
	default:
		return KindTransient
	}
}

// Classify returns the kind of err. Classified [*Error] values report their
// own kind; anything else is inspected by message, which is how SDK errors
// that do not expose a status are recognised.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, ErrToolDepthExceeded) || errors.Is(err, ErrEmptyResponse) {
		return KindMalformed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "401", "403", "unauthorized", "forbidden", "invalid api key",
		"incorrect api key", "permission denied", "api key not valid"):
		return KindAuth
	case containsAny(msg, "429", "rate limit", "rate_limit", "too many requests",
		"quota", "resource_exhausted", "resource exhausted"):
		return KindRateLimit
	case containsAny(msg, "invalid character", "unexpected end of json", "cannot unmarshal",
		"malformed", "unexpected eof"):
		return KindMalformed
	}
	return KindTransient
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
