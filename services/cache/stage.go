package cache

import (
	"context"
	"net/http"
	"time"

	"github.com/aegis-network/edge/infrastructure/logging"
	"github.com/aegis-network/edge/services/pipeline"
)

// LookupStage implements the pipeline's Cache-Lookup stage: it computes
// the request's cache key, and on a hit short-circuits straight to the
// response-side stages with the cached entry, skipping Origin entirely.
type LookupStage struct {
	cache *Cache
	log   *logging.Logger
}

// NewLookupStage builds a LookupStage bound to c.
func NewLookupStage(c *Cache, log *logging.Logger) *LookupStage {
	return &LookupStage{cache: c, log: log}
}

func (s *LookupStage) Name() string { return pipeline.StageCacheLookup }

func (s *LookupStage) Handle(ctx *pipeline.ProxyContext) pipeline.Result {
	if ctx.Method != http.MethodGet {
		return pipeline.ContinueResult()
	}
	ctx.CacheKey = Key(ctx.Method, ctx.Host, ctx.Path, nil)

	entry, ok := s.cache.Get(context.Background(), ctx.CacheKey)
	if !ok {
		return pipeline.ContinueResult()
	}

	ctx.CacheHit = true
	header := make(http.Header, len(entry.Headers))
	for k, v := range entry.Headers {
		header.Set(k, v)
	}
	return pipeline.ShortCircuit(entry.Status, header, entry.Body, "cache_hit")
}

// WritebackStage implements the pipeline's Body-Capture stage: once the
// response is final, it stores cacheable responses under the key the
// Cache-Lookup stage computed. A cache miss upstream of this point means
// there is something new to store; a cache hit means WritebackStage has
// nothing to do (the response already came from the cache).
type WritebackStage struct {
	cache *Cache
	log   *logging.Logger
}

// NewWritebackStage builds a WritebackStage bound to c.
func NewWritebackStage(c *Cache, log *logging.Logger) *WritebackStage {
	return &WritebackStage{cache: c, log: log}
}

func (s *WritebackStage) Name() string { return pipeline.StageBodyCapture }

func (s *WritebackStage) Handle(ctx *pipeline.ProxyContext) pipeline.Result {
	if ctx.CacheHit || ctx.CacheKey == "" || ctx.Route == nil {
		return pipeline.ContinueResult()
	}
	if ctx.Method != http.MethodGet || ctx.ResponseStatus < 200 || ctx.ResponseStatus >= 300 {
		return pipeline.ContinueResult()
	}

	ttl, cacheable, ok := TTLFromCacheControl(ctx.ResponseHeader.Get("Cache-Control"))
	if !cacheable {
		return pipeline.ContinueResult()
	}
	if !ok {
		ttl = routeDefaultTTL(ctx.Route.CacheDefaultTTLSeconds)
	}
	if ttl <= 0 {
		return pipeline.ContinueResult()
	}

	headers := make(map[string]string, len(ctx.ResponseHeader))
	for k := range ctx.ResponseHeader {
		headers[k] = ctx.ResponseHeader.Get(k)
	}
	entry := &Entry{Status: ctx.ResponseStatus, Headers: headers, Body: ctx.ResponseBody}
	if err := s.cache.Set(context.Background(), ctx.CacheKey, entry, ttl); err != nil && s.log != nil {
		s.log.WithError(err).Warn("cache writeback failed")
	}
	return pipeline.ContinueResult()
}

func routeDefaultTTL(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
