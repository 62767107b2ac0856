// Package responsefilter implements the pipeline's Response-Filter stage:
// applying the node's standard security headers to every outbound
// response, cache hits and origin fetches alike.
package responsefilter

import (
	"net/http"

	"github.com/aegis-network/edge/infrastructure/middleware"
	"github.com/aegis-network/edge/services/pipeline"
)

// Stage sets a fixed set of security headers on every response. Unlike
// the Bot/WAF/Edge-Modules stages it never blocks; it always Continues
// after mutating ctx.ResponseHeader.
type Stage struct {
	headers map[string]string
}

// New builds a Stage with the given headers, or
// middleware.DefaultSecurityHeaders() if headers is nil.
func New(headers map[string]string) *Stage {
	if headers == nil {
		headers = middleware.DefaultSecurityHeaders()
	}
	return &Stage{headers: headers}
}

func (s *Stage) Name() string { return pipeline.StageResponseFilter }

func (s *Stage) Handle(ctx *pipeline.ProxyContext) pipeline.Result {
	if ctx.ResponseHeader == nil {
		ctx.ResponseHeader = make(http.Header)
	}
	for k, v := range s.headers {
		ctx.ResponseHeader.Set(k, v)
	}
	return pipeline.ContinueResult()
}
