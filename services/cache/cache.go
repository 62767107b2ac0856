// Package cache implements the read-through/write-through response cache
// behind the pipeline's Cache Lookup stage. It is backed by Redis, a
// shared key-value store, so cache state is consistent across a node's
// worker goroutines without its own locking layer.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	coreerrors "github.com/aegis-network/edge/infrastructure/errors"
)

// Entry is a cached response: enough to reconstruct an HTTP response
// without re-fetching the origin.
type Entry struct {
	Status      int               `json:"status"`
	Headers     map[string]string `json:"headers"`
	Body        []byte            `json:"body"`
	StoredAt    time.Time         `json:"stored_at"`
	ContentSize int               `json:"content_size"`
}

// Stats holds per-window hit/miss/byte counters. Cache reports these both
// as Prometheus gauges and folded into the MetricReport.
type Stats struct {
	Hits   uint64
	Misses uint64
	Bytes  uint64
}

// Cache is the shared read-through/write-through store used by the
// pipeline's Cache Lookup stage.
type Cache struct {
	client     *redis.Client
	defaultTTL time.Duration

	statsMu sync.RWMutex
	stats   Stats
}

// Config configures the Redis-backed Cache.
type Config struct {
	Addr       string
	Password   string
	DB         int
	DefaultTTL time.Duration
}

// New constructs a Cache from a redis.Client the caller owns (letting tests
// point it at a miniredis instance).
func New(client *redis.Client, defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Cache{client: client, defaultTTL: defaultTTL}
}

// NewFromConfig dials Redis per cfg.
func NewFromConfig(cfg Config) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return New(client, cfg.DefaultTTL)
}

// Key builds the cache key per spec: method ∥ host ∥ path ∥ vary-headers.
func Key(method, host, path string, varyHeaders map[string]string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(host)))
	h.Write([]byte{0})
	h.Write([]byte(path))
	for _, k := range sortedKeys(varyHeaders) {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(varyHeaders[k]))
	}
	return "aegis:cache:" + hex.EncodeToString(h.Sum(nil))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// Get performs the read path: a GET cache lookup. A hit marks Stats.Hits
// and returns the stored entry; a miss marks Stats.Misses.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		c.recordMiss()
		return nil, false
	}
	entry, decodeErr := decodeEntry(raw)
	if decodeErr != nil {
		c.recordMiss()
		return nil, false
	}
	c.recordHit(len(raw))
	return entry, true
}

// Set performs the write path, storing entry with the given TTL (or the
// cache's default when ttl <= 0). Callers derive ttl from Cache-Control
// before calling Set.
func (c *Cache) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	entry.StoredAt = time.Now()
	entry.ContentSize = len(entry.Body)
	raw := encodeEntry(entry)
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return coreerrors.TransientUpstream("cache_set", err)
	}
	return nil
}

// TTLFromCacheControl derives a TTL from a Cache-Control header value,
// honoring no-store (returns 0, false) and max-age/s-maxage. Absent a
// usable directive, ok is false and the caller should use the route
// default.
func TTLFromCacheControl(headerValue string) (ttl time.Duration, cacheable bool, ok bool) {
	directives := strings.Split(headerValue, ",")
	maxAge := -1
	for _, d := range directives {
		d = strings.ToLower(strings.TrimSpace(d))
		switch {
		case d == "no-store" || d == "private":
			return 0, false, true
		case strings.HasPrefix(d, "s-maxage="):
			if v, err := strconv.Atoi(strings.TrimPrefix(d, "s-maxage=")); err == nil {
				maxAge = v
			}
		case strings.HasPrefix(d, "max-age=") && maxAge < 0:
			if v, err := strconv.Atoi(strings.TrimPrefix(d, "max-age=")); err == nil {
				maxAge = v
			}
		}
	}
	if maxAge < 0 {
		return 0, true, false
	}
	return time.Duration(maxAge) * time.Second, true, true
}

// Stats returns a snapshot of the current window's hit/miss/byte counters.
func (c *Cache) Stats() Stats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats
}

// ResetStats clears the window counters; called at window rollover by the
// metrics recorder.
func (c *Cache) ResetStats() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats = Stats{}
}

func (c *Cache) recordHit(bytes int) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.Hits++
	c.stats.Bytes += uint64(bytes)
}

func (c *Cache) recordMiss() {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats.Misses++
}

func encodeEntry(e *Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d\n%d\n", e.Status, e.StoredAt.UnixNano())
	fmt.Fprintf(&b, "%d\n", len(e.Headers))
	for _, k := range sortedKeys(e.Headers) {
		fmt.Fprintf(&b, "%s: %s\n", k, e.Headers[k])
	}
	b.Write(e.Body)
	return b.String()
}

func decodeEntry(raw []byte) (*Entry, error) {
	s := string(raw)
	lines := strings.SplitN(s, "\n", 3)
	if len(lines) < 3 {
		return nil, fmt.Errorf("malformed cache entry")
	}
	status, err := strconv.Atoi(lines[0])
	if err != nil {
		return nil, err
	}
	storedAtNanos, err := strconv.ParseInt(lines[1], 10, 64)
	if err != nil {
		return nil, err
	}
	headerCount, err := strconv.Atoi(lines[2])
	if err != nil {
		return nil, err
	}

	rest := s
	for i := 0; i < 3; i++ {
		idx := strings.IndexByte(rest, '\n')
		rest = rest[idx+1:]
	}

	headers := make(map[string]string, headerCount)
	for i := 0; i < headerCount; i++ {
		idx := strings.IndexByte(rest, '\n')
		if idx < 0 {
			return nil, fmt.Errorf("malformed cache entry header")
		}
		line := rest[:idx]
		rest = rest[idx+1:]
		kv := strings.SplitN(line, ": ", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed cache entry header line")
		}
		headers[kv[0]] = kv[1]
	}

	return &Entry{
		Status:   status,
		Headers:  headers,
		Body:     []byte(rest),
		StoredAt: time.Unix(0, storedAtNanos),
	}, nil
}
