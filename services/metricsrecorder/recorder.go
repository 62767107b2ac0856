package metricsrecorder

import (
	"context"
	"os"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const defaultWindow = 5 * time.Minute

// Recorder accumulates per-window traffic aggregates (total requests,
// per-status buckets, latency reservoir, cache hit ratio, bytes
// egressed, per-stage drops, uptime, resident memory, CPU) and
// assembles/signs a MetricReport at rollover.
type Recorder struct {
	nodeID   string
	signer   Signer
	bootTime time.Time

	mu            sync.Mutex
	windowStart   time.Time
	totalRequests uint64
	statusBuckets map[string]uint64
	cacheHits     uint64
	cacheMisses   uint64
	bytesEgressed uint64
	stageDrops    map[string]uint64

	latency *Reservoir

	// proc is nil when the host process handle could not be opened (e.g.
	// a restricted container); resident-memory/CPU then degrade to
	// runtime.MemStats and 0 respectively rather than failing the report.
	proc *process.Process
}

// New constructs a Recorder. signer may be nil in tests that don't care
// about signature validity.
func New(nodeID string, signer Signer) *Recorder {
	r := &Recorder{
		nodeID:        nodeID,
		signer:        signer,
		bootTime:      time.Now(),
		windowStart:   time.Now(),
		statusBuckets: make(map[string]uint64),
		stageDrops:    make(map[string]uint64),
		latency:       NewReservoir(),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		r.proc = proc
	}
	return r
}

// RecordRequest folds one completed request's observations into the
// current window.
func (r *Recorder) RecordRequest(status int, latency time.Duration, cacheHit bool, bytesEgressed int) {
	r.mu.Lock()
	r.totalRequests++
	r.statusBuckets[statusBucket(status)]++
	if cacheHit {
		r.cacheHits++
	} else {
		r.cacheMisses++
	}
	r.bytesEgressed += uint64(bytesEgressed)
	r.mu.Unlock()

	r.latency.Observe(float64(latency.Microseconds()) / 1000)
}

// RecordStageDrop increments the drop counter for a stage that denied or
// short-circuited a request.
func (r *Recorder) RecordStageDrop(stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stageDrops[stage]++
}

// Snapshot assembles a signed MetricReport from the current window's
// state without resetting it; callers that want a fresh window call
// RotateWindow afterward.
func (r *Recorder) Snapshot() (*MetricReport, error) {
	now := time.Now()

	r.mu.Lock()
	total := r.totalRequests
	buckets := cloneCounts(r.statusBuckets)
	hits, misses := r.cacheHits, r.cacheMisses
	bytesEgressed := r.bytesEgressed
	drops := cloneCounts(r.stageDrops)
	windowStart := r.windowStart
	r.mu.Unlock()

	var hitRatio float64
	if total := hits + misses; total > 0 {
		hitRatio = float64(hits) / float64(total)
	}

	report := &MetricReport{
		NodeID:              r.nodeID,
		WindowStart:         windowStart.Unix(),
		WindowEnd:           now.Unix(),
		TotalRequests:       total,
		StatusBuckets:       buckets,
		LatencyP50Ms:        r.latency.Percentile(50),
		LatencyP95Ms:        r.latency.Percentile(95),
		LatencyP99Ms:        r.latency.Percentile(99),
		CacheHitRatio:       hitRatio,
		BytesEgressed:       bytesEgressed,
		StageDrops:          drops,
		UptimeSeconds:       now.Sub(r.bootTime).Seconds(),
		ResidentMemoryBytes: r.residentMemoryBytes(),
		CPUPercent:          r.cpuPercent(),
	}

	if r.signer != nil {
		if err := report.Sign(r.signer); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// RotateWindow clears all counters and the latency reservoir for the next
// window.
func (r *Recorder) RotateWindow() {
	r.mu.Lock()
	r.totalRequests = 0
	r.statusBuckets = make(map[string]uint64)
	r.cacheHits = 0
	r.cacheMisses = 0
	r.bytesEgressed = 0
	r.stageDrops = make(map[string]uint64)
	r.windowStart = time.Now()
	r.mu.Unlock()

	r.latency.Reset()
}

// Run snapshots and rotates the window every interval (default 5 min)
// until ctx is cancelled, invoking onReport with each assembled report
// if non-nil.
func (r *Recorder) Run(ctx context.Context, interval time.Duration, onReport func(*MetricReport)) {
	if interval <= 0 {
		interval = defaultWindow
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.Snapshot()
			if err == nil && onReport != nil {
				onReport(report)
			}
			r.RotateWindow()
		}
	}
}

func (r *Recorder) residentMemoryBytes() uint64 {
	if r.proc != nil {
		if mem, err := r.proc.MemoryInfo(); err == nil && mem != nil {
			return mem.RSS
		}
	}
	var ms goruntime.MemStats
	goruntime.ReadMemStats(&ms)
	return ms.Sys
}

func (r *Recorder) cpuPercent() float64 {
	if r.proc == nil {
		return 0
	}
	pct, err := r.proc.CPUPercent()
	if err != nil {
		return 0
	}
	return pct
}

func statusBucket(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "other"
	}
}

func cloneCounts(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
