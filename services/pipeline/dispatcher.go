package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	coreerrors "github.com/aegis-network/edge/infrastructure/errors"
	"github.com/aegis-network/edge/infrastructure/logging"
	"github.com/aegis-network/edge/infrastructure/metrics"
)

// Stage names, one per pipeline phase.
const (
	StageBot            = "bot"
	StageWAF            = "waf"
	StageEdgeModules    = "edge_modules"
	StageCacheLookup    = "cache_lookup"
	StageOrigin         = "origin"
	StageResponseFilter = "response_filter"
	StageBodyCapture    = "body_capture"
	StageMetrics        = "metrics"
)

// Dispatcher selects a route and runs its stages in a fixed order.
// Request-side stages (Bot, WAF, Edge-Modules,
// Cache-Lookup) can ShortCircuit or Deny; response-side stages
// (Response-Filter, Body-Capture, Metrics) always run so that a
// short-circuited response is still cached, filtered, and measured.
type Dispatcher struct {
	routes *Table

	bot            Stage
	waf            Stage
	edgeModules    Stage
	cacheLookup    Stage
	responseFilter Stage
	bodyCapture    Stage
	metricsStage   Stage

	origin *OriginFetcher

	bodyCapBytes int64
	log          *logging.Logger
	metrics      *metrics.Metrics
}

// Config wires every stage implementation into the Dispatcher. Any nil
// stage is treated as a no-op Continue, so partially-configured
// dispatchers (e.g. in tests) still run.
type Config struct {
	Routes         *Table
	Bot            Stage
	WAF            Stage
	EdgeModules    Stage
	CacheLookup    Stage
	ResponseFilter Stage
	BodyCapture    Stage
	MetricsStage   Stage
	Origin         *OriginFetcher
	BodyCapBytes   int64
	Log            *logging.Logger
	Metrics        *metrics.Metrics
}

func noop(name string) Stage {
	return StageFunc{StageName: name, Fn: func(*ProxyContext) Result { return ContinueResult() }}
}

// New builds a Dispatcher from cfg.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		routes:         cfg.Routes,
		bot:            cfg.Bot,
		waf:            cfg.WAF,
		edgeModules:    cfg.EdgeModules,
		cacheLookup:    cfg.CacheLookup,
		responseFilter: cfg.ResponseFilter,
		bodyCapture:    cfg.BodyCapture,
		metricsStage:   cfg.MetricsStage,
		origin:         cfg.Origin,
		bodyCapBytes:   cfg.BodyCapBytes,
		log:            cfg.Log,
		metrics:        cfg.Metrics,
	}
	if d.bot == nil {
		d.bot = noop(StageBot)
	}
	if d.waf == nil {
		d.waf = noop(StageWAF)
	}
	if d.edgeModules == nil {
		d.edgeModules = noop(StageEdgeModules)
	}
	if d.cacheLookup == nil {
		d.cacheLookup = noop(StageCacheLookup)
	}
	if d.responseFilter == nil {
		d.responseFilter = noop(StageResponseFilter)
	}
	if d.bodyCapture == nil {
		d.bodyCapture = noop(StageBodyCapture)
	}
	if d.metricsStage == nil {
		d.metricsStage = noop(StageMetrics)
	}
	if d.bodyCapBytes <= 0 {
		d.bodyCapBytes = 1 << 20
	}
	return d
}

// Handle runs the full pipeline for one request and writes the result to
// w. clientIP must already reflect the forwarded-for trust decision.
func (d *Dispatcher) Handle(w http.ResponseWriter, r *http.Request, clientIP string) {
	ctx := NewProxyContext(r, clientIP)

	route := d.routes.Match(ctx.Host, ctx.Path)
	ctx.Route = route
	if route == nil {
		d.writeDeny(w, ctx, http.StatusNotFound, "no_route")
		return
	}

	d.bufferBody(ctx, r)

	requestStages := []Stage{d.bot, d.waf, d.edgeModules, d.cacheLookup}
	for _, stage := range requestStages {
		result := stage.Handle(ctx)
		switch result.Outcome {
		case DenyOutcome:
			ctx.Blocked = true
			ctx.BlockedStage = stage.Name()
			ctx.BlockReason = result.Reason
			d.writeDeny(w, ctx, result.Status, result.Reason)
			d.runResponseStages(ctx)
			return
		case ShortCircuitOutcome:
			ctx.Blocked = true
			ctx.BlockedStage = stage.Name()
			ctx.BlockReason = result.Reason
			applyResult(ctx, result)
			d.runResponseStages(ctx)
			d.writeResponse(w, ctx)
			return
		}
	}

	if !ctx.CacheHit {
		d.fetchOrigin(ctx, r)
	}

	d.runResponseStages(ctx)
	d.writeResponse(w, ctx)
}

func (d *Dispatcher) runResponseStages(ctx *ProxyContext) {
	for _, stage := range []Stage{d.responseFilter, d.bodyCapture, d.metricsStage} {
		result := stage.Handle(ctx)
		if result.Outcome != Continue {
			applyResult(ctx, result)
		}
	}
}

func applyResult(ctx *ProxyContext, r Result) {
	if r.Status != 0 {
		ctx.ResponseStatus = r.Status
	}
	if r.Header != nil {
		for k, vs := range r.Header {
			for _, v := range vs {
				ctx.ResponseHeader.Add(k, v)
			}
		}
	}
	if r.Body != nil {
		ctx.ResponseBody = r.Body
	}
}

// bufferBody reads up to bodyCapBytes of the request body into
// ctx.RequestBody. Bodies over the cap are left unbuffered and
// BodySkipped is set, so inspection stages can tell the difference
// between "empty body" and "body too large to inspect".
func (d *Dispatcher) bufferBody(ctx *ProxyContext, r *http.Request) {
	if r.Body == nil {
		return
	}
	limited := io.LimitReader(r.Body, d.bodyCapBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return
	}
	if int64(len(data)) > d.bodyCapBytes {
		ctx.BodySkipped = true
		if d.log != nil {
			d.log.WithContext(context.Background()).Warn("pipeline: request body exceeded cap, skipping body-inspection stages")
		}
		return
	}
	ctx.RequestBody = data
}

func (d *Dispatcher) writeDeny(w http.ResponseWriter, ctx *ProxyContext, status int, reason string) {
	ctx.ResponseStatus = status
	ctx.BlockReason = reason
	w.WriteHeader(status)
}

func (d *Dispatcher) writeResponse(w http.ResponseWriter, ctx *ProxyContext) {
	for k, vs := range ctx.ResponseHeader {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if ctx.ResponseStatus == 0 {
		ctx.ResponseStatus = http.StatusOK
	}
	w.WriteHeader(ctx.ResponseStatus)
	if ctx.ResponseBody != nil {
		_, _ = w.Write(ctx.ResponseBody)
	}
}

// OriginFetcher performs the upstream fetch for the Origin stage behind a
// circuit breaker, so a failing origin fails fast instead of piling up
// goroutines on a dead upstream.
type OriginFetcher struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *logging.Logger
}

// NewOriginFetcher builds an OriginFetcher with the given HTTP client
// (nil uses http.DefaultClient) and circuit-breaker trip threshold.
func NewOriginFetcher(client *http.Client, maxConsecutiveFailures uint32, log *logging.Logger) *OriginFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "origin_fetch",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxConsecutiveFailures
		},
	})
	return &OriginFetcher{client: client, breaker: breaker, log: log}
}

// Fetch performs req through the breaker, returning a CoreError of kind
// TransientIO on any failure (including an open breaker) so callers apply
// the standard fail-open/502 policy uniformly.
func (o *OriginFetcher) Fetch(req *http.Request) (*http.Response, error) {
	result, err := o.breaker.Execute(func() (interface{}, error) {
		resp, err := o.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, coreerrors.New(coreerrors.TransientIO, "origin returned 5xx")
		}
		return resp, nil
	})
	if err != nil {
		return nil, coreerrors.TransientUpstream("origin_fetch", err)
	}
	return result.(*http.Response), nil
}

func (d *Dispatcher) fetchOrigin(ctx *ProxyContext, r *http.Request) {
	if d.origin == nil {
		ctx.ResponseStatus = http.StatusBadGateway
		return
	}
	outReq := r.Clone(r.Context())
	if ctx.RequestBody != nil {
		outReq.Body = io.NopCloser(bytes.NewReader(ctx.RequestBody))
	}

	start := time.Now()
	resp, err := d.origin.Fetch(outReq)
	if err != nil {
		if d.log != nil {
			d.log.LogOriginFetch(r.Context(), ctx.Host, ctx.Method, time.Since(start), err)
		}
		ctx.ResponseStatus = coreerrors.GetHTTPStatus(err)
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, d.bodyCapBytes))
	ctx.ResponseStatus = resp.StatusCode
	for k, vs := range resp.Header {
		for _, v := range vs {
			ctx.ResponseHeader.Add(k, v)
		}
	}
	ctx.ResponseBody = body

	if d.log != nil {
		d.log.LogOriginFetch(r.Context(), ctx.Host, ctx.Method, time.Since(start), nil)
	}
	if d.metrics != nil {
		d.metrics.RecordStage("pipeline", StageOrigin, ctx.Method, "ok", time.Since(start))
	}
}
