// Package pipeline implements the request dispatcher: route selection by
// hostname then longest-prefix path, and fixed-order stage execution
// (Bot, WAF, Edge-Modules, Cache-Lookup, Origin, Response-Filter,
// Body-Capture, Metrics).
package pipeline

import (
	"net/http"
	"time"
)

// ProxyContext is the per-request state threaded through every stage. It
// is owned by the request's goroutine for its entire lifetime — no stage
// retains a reference past the request it was created for.
type ProxyContext struct {
	StartTime time.Time
	ClientIP  string
	Host      string
	Method    string
	Path      string

	Route *RouteConfig

	// RequestBody is populated only if some stage requires body
	// inspection and the body is within BodyCap; otherwise nil and
	// BodySkipped is true.
	RequestBody []byte
	BodySkipped bool

	// CacheKey is computed once route matching completes.
	CacheKey string
	// CacheHit is set by the Cache-Lookup stage.
	CacheHit bool

	// Blocked records which stage, if any, short-circuited or denied the
	// request, for the Metrics stage.
	Blocked      bool
	BlockedStage string
	BlockReason  string

	// ResponseStatus/ResponseHeader/ResponseBody accumulate the outbound
	// response as stages run. Edge-modules and the response-filter stage
	// write here; the dispatcher writes the final values to the wire.
	ResponseStatus int
	ResponseHeader http.Header
	ResponseBody   []byte

	// Values carries small pieces of inter-stage state (bot verdict,
	// WAF anomaly score, trust token) without forcing every stage to
	// agree on a shared struct.
	Values map[string]interface{}
}

// TrustTokenCookie and TrustTokenHeader are the two carriers a client may
// use to present a trust token issued by the challenge API.
const (
	TrustTokenCookie = "aegis_token"
	TrustTokenHeader = "X-Aegis-Token"
)

// NewProxyContext creates a ProxyContext for an inbound request. clientIP
// must already reflect the forwarded-for trust decision; the dispatcher
// does not re-derive it.
func NewProxyContext(r *http.Request, clientIP string) *ProxyContext {
	ctx := &ProxyContext{
		StartTime:      time.Now(),
		ClientIP:       clientIP,
		Host:           r.Host,
		Method:         r.Method,
		Path:           r.URL.Path,
		ResponseHeader: make(http.Header),
		Values:         make(map[string]interface{}),
	}
	ctx.Values["user_agent"] = r.UserAgent()
	if c, err := r.Cookie(TrustTokenCookie); err == nil && c.Value != "" {
		ctx.Values["trust_token"] = c.Value
	} else if h := r.Header.Get(TrustTokenHeader); h != "" {
		ctx.Values["trust_token"] = h
	}
	return ctx
}

// Get returns a stage value by key.
func (c *ProxyContext) Get(key string) (interface{}, bool) {
	v, ok := c.Values[key]
	return v, ok
}

// Set stores a stage value by key.
func (c *ProxyContext) Set(key string, value interface{}) {
	c.Values[key] = value
}

// Elapsed returns the time since the context was created, for latency
// metrics.
func (c *ProxyContext) Elapsed() time.Duration {
	return time.Since(c.StartTime)
}
