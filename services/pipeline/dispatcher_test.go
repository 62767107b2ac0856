package pipeline

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRequest(method, host, path string) *http.Request {
	r := httptest.NewRequest(method, "http://"+host+path, nil)
	r.Host = host
	return r
}

func TestDispatcher_NoRouteReturns404(t *testing.T) {
	d := New(Config{Routes: NewTable(nil)})
	w := httptest.NewRecorder()
	d.Handle(w, newTestRequest("GET", "nowhere.example.com", "/"), "1.2.3.4")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDispatcher_DenyStageShortCircuitsBeforeOrigin(t *testing.T) {
	routes := NewTable([]*RouteConfig{{Hostname: "api.example.com", Path: "/"}})
	originCalled := false
	d := New(Config{
		Routes: routes,
		WAF: StageFunc{StageName: StageWAF, Fn: func(*ProxyContext) Result {
			return Deny(http.StatusForbidden, "waf_sqli")
		}},
		Origin: NewOriginFetcher(newOriginStub(t, func() { originCalled = true }), 5, nil),
	})

	w := httptest.NewRecorder()
	d.Handle(w, newTestRequest("GET", "api.example.com", "/"), "1.2.3.4")

	require.Equal(t, http.StatusForbidden, w.Code)
	require.False(t, originCalled, "origin must not be called after a Deny")
}

func TestDispatcher_ShortCircuitStillRunsResponseStages(t *testing.T) {
	routes := NewTable([]*RouteConfig{{Hostname: "api.example.com", Path: "/"}})
	metricsRan := false
	d := New(Config{
		Routes: routes,
		CacheLookup: StageFunc{StageName: StageCacheLookup, Fn: func(ctx *ProxyContext) Result {
			ctx.CacheHit = true
			return ShortCircuit(http.StatusOK, nil, []byte("cached"), "cache_hit")
		}},
		MetricsStage: StageFunc{StageName: StageMetrics, Fn: func(*ProxyContext) Result {
			metricsRan = true
			return ContinueResult()
		}},
	})

	w := httptest.NewRecorder()
	d.Handle(w, newTestRequest("GET", "api.example.com", "/"), "1.2.3.4")

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "cached", w.Body.String())
	require.True(t, metricsRan)
}

func TestDispatcher_ContinueAllStagesReachesOrigin(t *testing.T) {
	routes := NewTable([]*RouteConfig{{Hostname: "api.example.com", Path: "/"}})
	originCalled := false
	d := New(Config{
		Routes: routes,
		Origin: NewOriginFetcher(newOriginStub(t, func() { originCalled = true }), 5, nil),
	})

	w := httptest.NewRecorder()
	d.Handle(w, newTestRequest("GET", "api.example.com", "/"), "1.2.3.4")
	require.True(t, originCalled)
}

func TestDispatcher_OversizeBodyIsSkippedNotBlocked(t *testing.T) {
	routes := NewTable([]*RouteConfig{{Hostname: "api.example.com", Path: "/"}})
	var sawSkip bool
	d := New(Config{
		Routes:       routes,
		BodyCapBytes: 4,
		WAF: StageFunc{StageName: StageWAF, Fn: func(ctx *ProxyContext) Result {
			sawSkip = ctx.BodySkipped
			return ContinueResult()
		}},
	})

	r := newTestRequest("POST", "api.example.com", "/")
	r.Body = httpTestBody("this body is longer than four bytes")

	w := httptest.NewRecorder()
	d.Handle(w, r, "1.2.3.4")
	require.True(t, sawSkip)
}
