package sandbox

import (
	"context"
	"net/http"
	"time"

	"github.com/dop251/goja"

	coreerrors "github.com/aegis-network/edge/infrastructure/errors"
	"github.com/aegis-network/edge/infrastructure/logging"
	"github.com/aegis-network/edge/services/pipeline"
)

// Stage is the pipeline.Stage implementation for the Edge-Modules
// step: it resolves ctx.Route.ModuleHashes against a
// Registry and invokes each in order, folding mutations into ctx's
// response fields. Any load miss, trap, or resource-limit abort is logged
// and treated as if the module had returned Continue: a module fault
// never blocks the request.
type Stage struct {
	registry *Registry
	cache    CacheAccessor
	log      *logging.Logger
}

// New constructs an Edge-Modules Stage. cache may be nil if no module
// cache backend is configured; log may be nil in tests.
func New(registry *Registry, cache CacheAccessor, log *logging.Logger) *Stage {
	return &Stage{registry: registry, cache: cache, log: log}
}

func (s *Stage) Name() string { return pipeline.StageEdgeModules }

// Handle runs every module bound to ctx.Route in order.
func (s *Stage) Handle(ctx *pipeline.ProxyContext) pipeline.Result {
	if ctx.Route == nil || len(ctx.Route.ModuleHashes) == 0 {
		return pipeline.ContinueResult()
	}

	resp := &ResponseView{
		Status:  ctx.ResponseStatus,
		Headers: ctx.ResponseHeader.Clone(),
		Body:    ctx.ResponseBody,
	}
	if resp.Headers == nil {
		resp.Headers = make(http.Header)
	}

	for _, moduleID := range ctx.Route.ModuleHashes {
		module, ok := s.registry.Get(moduleID)
		if !ok {
			s.logFault(moduleID, coreerrors.New(coreerrors.ModuleFault, "module id not found in registry"))
			continue
		}

		// Each invocation mutates a private copy; an aborted module
		// (trap, fuel, wall clock) leaves no partial mutation behind.
		scratch := resp.clone()
		if err := s.invoke(module, ctx, scratch); err != nil {
			s.logFault(moduleID, err)
			continue
		}
		resp = scratch

		if resp.Terminate {
			break
		}
	}

	ctx.ResponseStatus = resp.Status
	ctx.ResponseHeader = resp.Headers
	ctx.ResponseBody = resp.Body

	if resp.Terminate {
		status := resp.Status
		if status == 0 {
			status = http.StatusOK
		}
		return pipeline.ShortCircuit(status, resp.Headers, resp.Body, "module_terminate")
	}
	return pipeline.ContinueResult()
}

// invoke runs one module against its private response view, enforcing its
// wall-clock and fuel limits. Panics raised by the bound host capabilities
// (CRLF rejection, bad status) and goja's own runtime errors are recovered
// here and folded into the returned error, never propagated past Handle.
func (s *Stage) invoke(module *Module, ctx *pipeline.ProxyContext, resp *ResponseView) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = coreerrors.ModuleTrap(module.ID, panicToError(r))
		}
	}()

	vm := goja.New()

	inv := &Invocation{
		Request: RequestView{
			Method:  ctx.Method,
			URI:     ctx.Path,
			Headers: headersFromContext(ctx),
			Body:    ctx.RequestBody,
		},
		Response:   resp,
		cache:      s.cache,
		httpClient: newEgressClient(),
		log:        s.log,
		moduleID:   module.ID,
		fuelLimit:  module.Limits.FuelSteps,
	}

	if err := bindHost(vm, inv); err != nil {
		return coreerrors.Wrap(coreerrors.ModuleFault, "failed to bind host capabilities", err)
	}

	wallClock := module.Limits.WallClock
	if wallClock <= 0 {
		wallClock = DefaultLimits().WallClock
	}
	timer := time.AfterFunc(wallClock, func() {
		vm.Interrupt(coreerrors.New(coreerrors.ModuleFault, "module exceeded wall-clock budget"))
	})
	defer timer.Stop()

	if _, err := vm.RunProgram(module.program); err != nil {
		return coreerrors.ModuleTrap(module.ID, err)
	}

	entry, ok := goja.AssertFunction(vm.Get(module.EntryPoint))
	if !ok {
		return coreerrors.New(coreerrors.ModuleFault, "entry point is not a function").WithDetails("entry_point", module.EntryPoint)
	}

	if _, err := entry(goja.Undefined()); err != nil {
		return coreerrors.ModuleTrap(module.ID, err)
	}
	return nil
}

func (s *Stage) logFault(moduleID string, err error) {
	if s.log == nil {
		return
	}
	s.log.LogModuleInvocation(context.Background(), moduleID, "fault", err)
}

func headersFromContext(ctx *pipeline.ProxyContext) http.Header {
	if headers, ok := ctx.Get("headers"); ok {
		if h, ok := headers.(http.Header); ok {
			return h
		}
	}
	return make(http.Header)
}

func panicToError(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return coreerrors.New(coreerrors.ModuleFault, "module panicked")
}
