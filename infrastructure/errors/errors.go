// Package errors provides the unified CoreError type used by every
// data-plane and control-plane package in the edge core. Each error is
// tagged with one of a fixed set of kinds so that callers can apply the
// propagation policy ("fail open when in doubt") mechanically rather than
// inspecting ad hoc error strings.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a CoreError for propagation and logging purposes.
type Kind string

const (
	// TransientIO covers upstream timeouts, cache unavailability, and
	// dropped gossip peers. Recovered locally by retry where idempotent;
	// surfaced as 502 where not. Never crashes the process.
	TransientIO Kind = "transient_io"

	// BadInput covers malformed requests, oversize bodies, and invalid
	// headers. Surfaced as 4xx; logged at info.
	BadInput Kind = "bad_input"

	// PolicyBlock covers WAF matches, bot blocks, rate-limit exhaustion,
	// and blocklist hits. Surfaced as the configured status (403 by
	// default); logged at warn.
	PolicyBlock Kind = "policy_block"

	// ModuleFault covers edge-module traps, resource exhaustion, and
	// load-time signature failures. Logged at error; the request
	// continues as if the module had returned Continue (fail-open).
	ModuleFault Kind = "module_fault"

	// LockPoisoned covers a poisoned mutex recovered from a panicking
	// critical section. Surfaced to the caller as Transient I/O; never
	// panics further up the stack.
	LockPoisoned Kind = "lock_poisoned"

	// Fatal covers unbindable ports, unreadable TLS material at boot, and
	// a corrupt module registry. Logged and the process exits non-zero.
	Fatal Kind = "fatal"
)

// defaultHTTPStatus maps each Kind to the status a CoreError reports when
// none is set explicitly.
var defaultHTTPStatus = map[Kind]int{
	TransientIO:  http.StatusBadGateway,
	BadInput:     http.StatusBadRequest,
	PolicyBlock:  http.StatusForbidden,
	ModuleFault:  http.StatusOK, // fail-open: request proceeds as Continue
	LockPoisoned: http.StatusBadGateway,
	Fatal:        http.StatusInternalServerError,
}

// CoreError is the structured error type threaded through the pipeline,
// bot stage, WAF, sandbox, rate-limit store, threat-intel bus, and metrics
// recorder.
type CoreError struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key/value pair for structured logging.
func (e *CoreError) WithDetails(key string, value interface{}) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a CoreError of the given kind with the kind's default HTTP
// status.
func New(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message, HTTPStatus: defaultHTTPStatus[kind]}
}

// Wrap wraps an existing error as a CoreError of the given kind.
func Wrap(kind Kind, message string, err error) *CoreError {
	return &CoreError{Kind: kind, Message: message, HTTPStatus: defaultHTTPStatus[kind], Err: err}
}

// WithStatus overrides the HTTP status a CoreError reports (e.g. a
// RouteConfig-configured block status other than 403).
func (e *CoreError) WithStatus(status int) *CoreError {
	e.HTTPStatus = status
	return e
}

// Convenience constructors for the most common call sites.

func TransientUpstream(operation string, err error) *CoreError {
	return Wrap(TransientIO, "upstream operation failed", err).WithDetails("operation", operation)
}

func Invalid(field, reason string) *CoreError {
	return New(BadInput, "invalid request").WithDetails("field", field).WithDetails("reason", reason)
}

func Blocked(reason string, status int) *CoreError {
	return New(PolicyBlock, reason).WithStatus(status)
}

func RateLimitExceeded(limit int, window string) *CoreError {
	return New(PolicyBlock, "rate limit exceeded").
		WithStatus(http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

func ModuleTrap(moduleID string, err error) *CoreError {
	return Wrap(ModuleFault, "module trapped", err).WithDetails("module_id", moduleID)
}

func FatalBoot(message string, err error) *CoreError {
	return Wrap(Fatal, message, err)
}

// Helper functions for extracting a CoreError from an error chain.

// IsCoreError reports whether err is (or wraps) a *CoreError.
func IsCoreError(err error) bool {
	var coreErr *CoreError
	return errors.As(err, &coreErr)
}

// GetCoreError extracts a *CoreError from an error chain, or nil.
func GetCoreError(err error) *CoreError {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status to report for err.
func GetHTTPStatus(err error) int {
	if coreErr := GetCoreError(err); coreErr != nil {
		return coreErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
