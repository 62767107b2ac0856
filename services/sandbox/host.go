package sandbox

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"

	coreerrors "github.com/aegis-network/edge/infrastructure/errors"
	"github.com/aegis-network/edge/infrastructure/httputil"
	"github.com/aegis-network/edge/infrastructure/logging"
	"github.com/aegis-network/edge/services/cache"
)

// egressMaxBody and egressTimeout cap per-module HTTP egress:
// 1 MB request/response body, 5 s wall clock.
const (
	egressMaxBody        = 1 << 20
	egressTimeout        = 5 * time.Second
	moduleCacheKeyPrefix = "aegis:module_cache:"
)

// CacheAccessor is the cache_get/cache_set surface exposed to modules. It
// is narrower than services/cache.Cache's response-entry shape because
// modules store opaque values, not HTTP responses.
type CacheAccessor interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// moduleCache adapts services/cache.Cache to CacheAccessor, namespacing
// module keys away from the response cache's own key space.
type moduleCache struct {
	c *cache.Cache
}

// NewModuleCache wraps c for use as a module's cache_get/cache_set
// backend.
func NewModuleCache(c *cache.Cache) CacheAccessor {
	return &moduleCache{c: c}
}

func (m *moduleCache) Get(ctx context.Context, key string) ([]byte, bool) {
	entry, ok := m.c.Get(ctx, moduleCacheKeyPrefix+key)
	if !ok {
		return nil, false
	}
	return entry.Body, true
}

func (m *moduleCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.c.Set(ctx, moduleCacheKeyPrefix+key, &cache.Entry{Body: value}, ttl)
}

// RequestView is the read-only request surface modules receive.
type RequestView struct {
	Method  string
	URI     string
	Headers http.Header
	Body    []byte
}

// ResponseView is the write surface modules mutate. Terminate
// short-circuits the remaining request-side stages.
type ResponseView struct {
	Status    int
	Headers   http.Header
	Body      []byte
	Terminate bool
}

// clone returns a copy used to stage one invocation's mutations, so an
// invocation that aborts mid-run leaves the live response untouched.
// Body is shared, not copied: host calls replace it wholesale and never
// write into it.
func (r *ResponseView) clone() *ResponseView {
	return &ResponseView{
		Status:    r.Status,
		Headers:   r.Headers.Clone(),
		Body:      r.Body,
		Terminate: r.Terminate,
	}
}

// Invocation is one module execution's host environment: the request/
// response views, the egress HTTP client, the cache, and the logger, plus
// the fuel/wall-clock accounting.
type Invocation struct {
	Request  RequestView
	Response *ResponseView

	cache      CacheAccessor
	httpClient *http.Client
	log        *logging.Logger
	moduleID   string

	fuelUsed  int64
	fuelLimit int64
}

// ErrFuelExhausted is the sentinel goja.Interrupt value used when a module
// exceeds its fuel budget, distinguishing it from a wall-clock abort in
// logs.
var ErrFuelExhausted = coreerrors.New(coreerrors.ModuleFault, "module exceeded fuel budget")

func newEgressClient() *http.Client {
	return &http.Client{
		Timeout:   egressTimeout,
		Transport: httputil.DefaultTransportWithMinTLS12(),
	}
}

// bindHost installs every host capability onto vm, bound to inv.
func bindHost(vm *goja.Runtime, inv *Invocation) error {
	set := func(name string, fn func(goja.FunctionCall) goja.Value) error {
		return vm.Set(name, fn)
	}

	if err := set("request_get_method", func(goja.FunctionCall) goja.Value {
		inv.step(vm)
		return vm.ToValue(inv.Request.Method)
	}); err != nil {
		return err
	}
	if err := set("request_get_uri", func(goja.FunctionCall) goja.Value {
		inv.step(vm)
		return vm.ToValue(inv.Request.URI)
	}); err != nil {
		return err
	}
	if err := set("request_get_header", func(call goja.FunctionCall) goja.Value {
		inv.step(vm)
		name := argString(call, 0)
		return vm.ToValue(inv.Request.Headers.Get(name))
	}); err != nil {
		return err
	}
	if err := set("request_get_body", func(goja.FunctionCall) goja.Value {
		inv.step(vm)
		return vm.ToValue(string(inv.Request.Body))
	}); err != nil {
		return err
	}

	if err := set("response_set_status", func(call goja.FunctionCall) goja.Value {
		inv.step(vm)
		status := int(call.Argument(0).ToInteger())
		if status < 100 || status > 599 {
			panic(vm.NewGoError(coreerrors.Invalid("status", "must be between 100 and 599")))
		}
		inv.Response.Status = status
		return goja.Undefined()
	}); err != nil {
		return err
	}
	if err := set("response_set_header", func(call goja.FunctionCall) goja.Value {
		inv.step(vm)
		name, value := argString(call, 0), argString(call, 1)
		if containsCRLF(name) || containsCRLF(value) {
			panic(vm.NewGoError(coreerrors.Invalid("header", "must not contain CR or LF")))
		}
		inv.Response.Headers.Set(name, value)
		return goja.Undefined()
	}); err != nil {
		return err
	}
	if err := set("response_add_header", func(call goja.FunctionCall) goja.Value {
		inv.step(vm)
		name, value := argString(call, 0), argString(call, 1)
		if containsCRLF(name) || containsCRLF(value) {
			panic(vm.NewGoError(coreerrors.Invalid("header", "must not contain CR or LF")))
		}
		inv.Response.Headers.Add(name, value)
		return goja.Undefined()
	}); err != nil {
		return err
	}
	if err := set("response_remove_header", func(call goja.FunctionCall) goja.Value {
		inv.step(vm)
		inv.Response.Headers.Del(argString(call, 0))
		return goja.Undefined()
	}); err != nil {
		return err
	}
	if err := set("response_set_body", func(call goja.FunctionCall) goja.Value {
		inv.step(vm)
		inv.Response.Body = []byte(argString(call, 0))
		return goja.Undefined()
	}); err != nil {
		return err
	}

	if err := set("request_terminate", func(goja.FunctionCall) goja.Value {
		inv.step(vm)
		inv.Response.Terminate = true
		return goja.Undefined()
	}); err != nil {
		return err
	}

	if err := set("log", func(call goja.FunctionCall) goja.Value {
		inv.step(vm)
		level, message := argString(call, 0), argString(call, 1)
		if inv.log != nil {
			inv.log.LogModuleInvocation(context.Background(), inv.moduleID, "log:"+level+" "+message, nil)
		}
		return goja.Undefined()
	}); err != nil {
		return err
	}

	if inv.cache != nil {
		if err := set("cache_get", func(call goja.FunctionCall) goja.Value {
			inv.step(vm)
			key := argString(call, 0)
			v, ok := inv.cache.Get(context.Background(), key)
			if !ok {
				return goja.Null()
			}
			return vm.ToValue(string(v))
		}); err != nil {
			return err
		}
		if err := set("cache_set", func(call goja.FunctionCall) goja.Value {
			inv.step(vm)
			key, value := argString(call, 0), argString(call, 1)
			ttl := time.Duration(call.Argument(2).ToInteger()) * time.Second
			_ = inv.cache.Set(context.Background(), key, []byte(value), ttl)
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}

	for _, method := range []string{"get", "post", "put", "delete"} {
		m := method
		if err := set("http_"+m, func(call goja.FunctionCall) goja.Value {
			inv.step(vm)
			url := argString(call, 0)
			body := ""
			if m == "post" || m == "put" {
				body = argString(call, 1)
			}
			status, respBody, err := inv.doEgress(strings.ToUpper(m), url, body)
			if err != nil {
				panic(vm.NewGoError(err))
			}
			result := vm.NewObject()
			_ = result.Set("status", status)
			_ = result.Set("body", respBody)
			return result
		}); err != nil {
			return err
		}
	}

	return nil
}

// step advances the fuel counter and interrupts the VM once the budget
// is exhausted. Every host-call trampoline above calls this first. goja
// has no native per-instruction counter, so host-call frequency stands
// in for instruction count.
func (inv *Invocation) step(vm *goja.Runtime) {
	inv.fuelUsed++
	if inv.fuelLimit > 0 && inv.fuelUsed > inv.fuelLimit {
		vm.Interrupt(ErrFuelExhausted)
	}
}

func (inv *Invocation) doEgress(method, url, body string) (int, string, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return 0, "", coreerrors.Invalid("url", "scheme must be http or https")
	}
	if len(body) > egressMaxBody {
		return 0, "", coreerrors.Invalid("body", "exceeds 1MB egress cap")
	}

	ctx, cancel := context.WithTimeout(context.Background(), egressTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, strings.NewReader(body))
	if err != nil {
		return 0, "", coreerrors.Wrap(coreerrors.ModuleFault, "build egress request", err)
	}

	resp, err := inv.httpClient.Do(req)
	if err != nil {
		return 0, "", coreerrors.TransientUpstream("module_egress", err)
	}
	defer resp.Body.Close()

	respBody, err := httputil.ReadAllStrict(io.LimitReader(resp.Body, egressMaxBody+1), egressMaxBody)
	if err != nil {
		return 0, "", coreerrors.Wrap(coreerrors.ModuleFault, "egress response exceeds 1MB cap", err)
	}
	return resp.StatusCode, string(respBody), nil
}

func argString(call goja.FunctionCall, idx int) string {
	if idx >= len(call.Arguments) {
		return ""
	}
	return call.Argument(idx).String()
}

func containsCRLF(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}
