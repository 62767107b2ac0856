package cache

import (
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/aegis-network/edge/infrastructure/logging"
	"github.com/aegis-network/edge/services/pipeline"
)

func newTestCacheForStage(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, time.Minute)
}

func newStageTestContext(route *pipeline.RouteConfig) *pipeline.ProxyContext {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com/path", nil)
	ctx := pipeline.NewProxyContext(req, "203.0.113.1")
	ctx.Route = route
	return ctx
}

func TestLookupStageMissesThenWritebackThenHits(t *testing.T) {
	c := newTestCacheForStage(t)
	log := logging.NewFromEnv("cache-stage-test")
	lookup := NewLookupStage(c, log)
	writeback := NewWritebackStage(c, log)
	route := &pipeline.RouteConfig{Hostname: "example.com", Path: "/", CacheDefaultTTLSeconds: 60}

	ctx := newStageTestContext(route)
	result := lookup.Handle(ctx)
	require.Equal(t, pipeline.Continue, result.Outcome)
	require.False(t, ctx.CacheHit)
	require.NotEmpty(t, ctx.CacheKey)

	ctx.ResponseStatus = http.StatusOK
	ctx.ResponseBody = []byte("hello")
	writeback.Handle(ctx)

	ctx2 := newStageTestContext(route)
	result2 := lookup.Handle(ctx2)
	require.Equal(t, pipeline.ShortCircuitOutcome, result2.Outcome)
	require.True(t, ctx2.CacheHit)
	require.Equal(t, "hello", string(result2.Body))
	require.Equal(t, http.StatusOK, result2.Status)
}

func TestWritebackStageSkipsNoStore(t *testing.T) {
	c := newTestCacheForStage(t)
	log := logging.NewFromEnv("cache-stage-test")
	lookup := NewLookupStage(c, log)
	writeback := NewWritebackStage(c, log)
	route := &pipeline.RouteConfig{Hostname: "example.com", Path: "/", CacheDefaultTTLSeconds: 60}

	ctx := newStageTestContext(route)
	lookup.Handle(ctx)
	ctx.ResponseStatus = http.StatusOK
	ctx.ResponseBody = []byte("secret")
	ctx.ResponseHeader.Set("Cache-Control", "no-store")
	writeback.Handle(ctx)

	ctx2 := newStageTestContext(route)
	result := lookup.Handle(ctx2)
	require.Equal(t, pipeline.Continue, result.Outcome)
}

func TestWritebackStageSkipsWhenAlreadyCacheHit(t *testing.T) {
	c := newTestCacheForStage(t)
	log := logging.NewFromEnv("cache-stage-test")
	writeback := NewWritebackStage(c, log)
	route := &pipeline.RouteConfig{Hostname: "example.com", Path: "/", CacheDefaultTTLSeconds: 60}

	ctx := newStageTestContext(route)
	ctx.CacheHit = true
	ctx.CacheKey = "aegis:cache:whatever"
	result := writeback.Handle(ctx)
	require.Equal(t, pipeline.Continue, result.Outcome)
}

func TestLookupStageSkipsNonGET(t *testing.T) {
	c := newTestCacheForStage(t)
	log := logging.NewFromEnv("cache-stage-test")
	lookup := NewLookupStage(c, log)
	route := &pipeline.RouteConfig{Hostname: "example.com", Path: "/", CacheDefaultTTLSeconds: 60}

	req, _ := http.NewRequest(http.MethodPost, "http://example.com/path", nil)
	ctx := pipeline.NewProxyContext(req, "203.0.113.1")
	ctx.Route = route

	result := lookup.Handle(ctx)
	require.Equal(t, pipeline.Continue, result.Outcome)
	require.Empty(t, ctx.CacheKey)
}

func TestWritebackStageSkipsNon2xx(t *testing.T) {
	c := newTestCacheForStage(t)
	log := logging.NewFromEnv("cache-stage-test")
	lookup := NewLookupStage(c, log)
	writeback := NewWritebackStage(c, log)
	route := &pipeline.RouteConfig{Hostname: "example.com", Path: "/", CacheDefaultTTLSeconds: 60}

	ctx := newStageTestContext(route)
	lookup.Handle(ctx)
	ctx.ResponseStatus = http.StatusBadGateway
	ctx.ResponseBody = []byte("origin down")
	writeback.Handle(ctx)

	ctx2 := newStageTestContext(route)
	result := lookup.Handle(ctx2)
	require.Equal(t, pipeline.Continue, result.Outcome)
}
