package metricsrecorder

import (
	"crypto/ed25519"
	"encoding/json"

	coreerrors "github.com/aegis-network/edge/infrastructure/errors"
)

// MetricReport is the signed, per-window traffic aggregate: every field
// the recorder observes, plus the Ed25519 signature over the canonical
// bytes of everything else.
type MetricReport struct {
	NodeID      string `json:"node_id"`
	WindowStart int64  `json:"window_start"` // unix seconds
	WindowEnd   int64  `json:"window_end"`   // unix seconds

	TotalRequests uint64            `json:"total_requests"`
	StatusBuckets map[string]uint64 `json:"status_buckets"`

	LatencyP50Ms float64 `json:"latency_p50_ms"`
	LatencyP95Ms float64 `json:"latency_p95_ms"`
	LatencyP99Ms float64 `json:"latency_p99_ms"`

	CacheHitRatio float64           `json:"cache_hit_ratio"`
	BytesEgressed uint64            `json:"bytes_egressed"`
	StageDrops    map[string]uint64 `json:"stage_drops"`

	UptimeSeconds       float64 `json:"uptime_seconds"`
	ResidentMemoryBytes uint64  `json:"resident_memory_bytes"`
	CPUPercent          float64 `json:"cpu_percent"`

	Signature []byte `json:"signature"`
}

// signingFields is MetricReport minus Signature; encoding/json emits
// struct fields in declaration order so this is stable across processes.
type signingFields struct {
	NodeID              string            `json:"node_id"`
	WindowStart         int64             `json:"window_start"`
	WindowEnd           int64             `json:"window_end"`
	TotalRequests       uint64            `json:"total_requests"`
	StatusBuckets       map[string]uint64 `json:"status_buckets"`
	LatencyP50Ms        float64           `json:"latency_p50_ms"`
	LatencyP95Ms        float64           `json:"latency_p95_ms"`
	LatencyP99Ms        float64           `json:"latency_p99_ms"`
	CacheHitRatio       float64           `json:"cache_hit_ratio"`
	BytesEgressed       uint64            `json:"bytes_egressed"`
	StageDrops          map[string]uint64 `json:"stage_drops"`
	UptimeSeconds       float64           `json:"uptime_seconds"`
	ResidentMemoryBytes uint64            `json:"resident_memory_bytes"`
	CPUPercent          float64           `json:"cpu_percent"`
}

func (r *MetricReport) canonicalBytes() ([]byte, error) {
	return json.Marshal(signingFields{
		NodeID:              r.NodeID,
		WindowStart:         r.WindowStart,
		WindowEnd:           r.WindowEnd,
		TotalRequests:       r.TotalRequests,
		StatusBuckets:       r.StatusBuckets,
		LatencyP50Ms:        r.LatencyP50Ms,
		LatencyP95Ms:        r.LatencyP95Ms,
		LatencyP99Ms:        r.LatencyP99Ms,
		CacheHitRatio:       r.CacheHitRatio,
		BytesEgressed:       r.BytesEgressed,
		StageDrops:          r.StageDrops,
		UptimeSeconds:       r.UptimeSeconds,
		ResidentMemoryBytes: r.ResidentMemoryBytes,
		CPUPercent:          r.CPUPercent,
	})
}

// Signer signs a MetricReport's canonical bytes. infrastructure/node.Node
// satisfies this with its reporting keypair.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// Sign populates r.Signature using signer's reporting key.
func (r *MetricReport) Sign(signer Signer) error {
	canonical, err := r.canonicalBytes()
	if err != nil {
		return coreerrors.Wrap(coreerrors.BadInput, "marshal metric report", err)
	}
	sig, err := signer.Sign(canonical)
	if err != nil {
		return coreerrors.FatalBoot("sign metric report", err)
	}
	r.Signature = sig
	return nil
}

// Verify reports whether r.Signature is a valid Ed25519 signature over
// r's canonical bytes under pub. A single flipped bit anywhere in the
// report (including the numeric fields) makes this return false.
func (r *MetricReport) Verify(pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(r.Signature) != ed25519.SignatureSize {
		return false
	}
	canonical, err := r.canonicalBytes()
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, canonical, r.Signature)
}

// MarshalJSON and a matching Unmarshal helper are exposed for the
// machine surface's oracle-submission payload.

func MarshalReport(r *MetricReport) ([]byte, error) {
	return json.Marshal(r)
}
