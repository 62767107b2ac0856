package pipeline

import "net/http"

// Outcome is a stage's verdict on a request.
type Outcome int

const (
	// Continue lets the dispatcher proceed to the next stage.
	Continue Outcome = iota
	// ShortCircuitOutcome skips remaining request-side stages and moves
	// straight to the response-side stages, so caching and metrics still
	// observe the response.
	ShortCircuitOutcome
	// DenyOutcome writes the given status and closes the request
	// immediately, skipping every remaining stage including Metrics
	// except the final accounting the dispatcher does itself.
	DenyOutcome
)

// Result is returned by every Stage.
type Result struct {
	Outcome Outcome

	// Status/Header/Body populate the response when Outcome is
	// ShortCircuitOutcome or DenyOutcome.
	Status int
	Header http.Header
	Body   []byte

	// Reason is a short machine-stable string recorded on the
	// ProxyContext for metrics/logging (e.g. "waf_sqli", "bot_challenge").
	Reason string
}

// ContinueResult is the zero-value "proceed" result.
func ContinueResult() Result {
	return Result{Outcome: Continue}
}

// ShortCircuit builds a ShortCircuitOutcome result carrying a full
// response.
func ShortCircuit(status int, header http.Header, body []byte, reason string) Result {
	return Result{Outcome: ShortCircuitOutcome, Status: status, Header: header, Body: body, Reason: reason}
}

// Deny builds a DenyOutcome result that writes only a status line.
func Deny(status int, reason string) Result {
	return Result{Outcome: DenyOutcome, Status: status, Reason: reason}
}

// Stage is one step of the fixed pipeline. Implementations must not
// retain ctx beyond the call.
type Stage interface {
	Name() string
	Handle(ctx *ProxyContext) Result
}

// StageFunc adapts a function to the Stage interface for stages with no
// internal state worth a named type.
type StageFunc struct {
	StageName string
	Fn        func(ctx *ProxyContext) Result
}

func (f StageFunc) Name() string { return f.StageName }

func (f StageFunc) Handle(ctx *ProxyContext) Result { return f.Fn(ctx) }
