package atelier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Sentinel errors forming the core taxonomy. Callers match with errors.Is.
var (
	// ErrValidation marks bad caller input, recoverable by the caller.
	ErrValidation = errors.New("validation_error")

	// Per-call tool failures, surfaced to the agent which may adapt.
	ErrToolForbidden    = errors.New("tool_forbidden")
	ErrPathEscape       = errors.New("path_escape")
	ErrQuotaExceeded    = errors.New("quota_exceeded")
	ErrInvalidArguments = errors.New("invalid_arguments")
	ErrUnknownTool      = errors.New("unknown_tool")

	// Per-call gateway failures, surfaced to the engine.
	ErrProvidersExhausted = errors.New("providers_exhausted")

	// Infrastructure failures; the engine pauses the run.
	ErrBusUnavailable     = errors.New("bus_unavailable")
	ErrStorageUnavailable = errors.New("storage_unavailable")

	// ErrEmptyMailbox is returned by Receive when the deadline elapses.
	ErrEmptyMailbox = errors.New("empty_mailbox")
	// ErrMailboxFull is recorded on dead-lettered messages.
	ErrMailboxFull = errors.New("mailbox_full")

	ErrRunNotFound      = errors.New("run_not_found")
	ErrAgentNotFound    = errors.New("agent_not_found")
	ErrWorkflowNotFound = errors.New("workflow_not_found")
)

// LLMError is a provider-level failure carrying enough detail for the
// gateway to classify it (transient, rate-limit, hard).
type LLMError struct {
	Provider   string
	Status     int // HTTP status, 0 for transport errors
	Message    string
	RetryAfter time.Duration // parsed from Retry-After when present
}

func (e *LLMError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// IsRateLimited reports whether err is a 429-equivalent provider failure.
// Rate limits set a cooldown on the provider but never trip its breaker.
func IsRateLimited(err error) bool {
	var e *LLMError
	return errors.As(err, &e) && e.Status == 429
}

// IsTransient reports whether err is worth one provider-level retry before
// it counts against the breaker: connection resets, 5xx, timeouts.
func IsTransient(err error) bool {
	var e *LLMError
	if errors.As(err, &e) {
		return e.Status == 0 || e.Status >= 500
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ParseRetryAfter parses a Retry-After header value. Only the delta-seconds
// form is honored; HTTP-date values and garbage yield 0.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// errorCode maps an error to its taxonomy code for ErrorRecord and logs.
func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrToolForbidden):
		return "tool_forbidden"
	case errors.Is(err, ErrPathEscape):
		return "path_escape"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrInvalidArguments):
		return "invalid_arguments"
	case errors.Is(err, ErrProvidersExhausted):
		return "providers_exhausted"
	case errors.Is(err, ErrBusUnavailable):
		return "bus_unavailable"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed_out"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal"
	}
}

// newErrorRecord builds the structured last_error for a run.
func newErrorRecord(err error) *ErrorRecord {
	if err == nil {
		return nil
	}
	return &ErrorRecord{Code: errorCode(err), Detail: err.Error(), At: NowUnix()}
}
