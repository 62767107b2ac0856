package metricsrecorder

import (
	"github.com/aegis-network/edge/services/pipeline"
)

// Stage implements the pipeline's Metrics stage: it always runs last and
// always Continues, folding the finished request into the Recorder's
// current window.
type Stage struct {
	recorder *Recorder
}

// NewStage builds a Stage bound to recorder.
func NewStage(recorder *Recorder) *Stage {
	return &Stage{recorder: recorder}
}

func (s *Stage) Name() string { return pipeline.StageMetrics }

func (s *Stage) Handle(ctx *pipeline.ProxyContext) pipeline.Result {
	status := ctx.ResponseStatus
	if status == 0 {
		status = 200
	}
	s.recorder.RecordRequest(status, ctx.Elapsed(), ctx.CacheHit, len(ctx.ResponseBody))
	if ctx.Blocked && ctx.BlockedStage != "" {
		s.recorder.RecordStageDrop(ctx.BlockedStage)
	}
	return pipeline.ContinueResult()
}
