package metricsrecorder

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSigner struct {
	priv ed25519.PrivateKey
}

func (f fakeSigner) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(f.priv, data), nil
}

func newFakeSigner(t *testing.T) (fakeSigner, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return fakeSigner{priv: priv}, pub
}

func sampleReport() *MetricReport {
	return &MetricReport{
		NodeID:              "edge-1",
		WindowStart:         1000,
		WindowEnd:           1300,
		TotalRequests:       42,
		StatusBuckets:       map[string]uint64{"2xx": 40, "5xx": 2},
		LatencyP50Ms:        12.5,
		LatencyP95Ms:        88.1,
		LatencyP99Ms:        150.4,
		CacheHitRatio:       0.75,
		BytesEgressed:       4096,
		StageDrops:          map[string]uint64{"waf": 1},
		UptimeSeconds:       3600,
		ResidentMemoryBytes: 128 * 1024 * 1024,
		CPUPercent:          3.2,
	}
}

func TestMetricReportSignAndVerifyRoundTrip(t *testing.T) {
	signer, pub := newFakeSigner(t)
	report := sampleReport()

	require.NoError(t, report.Sign(signer))
	require.NotEmpty(t, report.Signature)
	require.True(t, report.Verify(pub))
}

func TestMetricReportVerifyRejectsWrongKey(t *testing.T) {
	signer, _ := newFakeSigner(t)
	_, otherPub := newFakeSigner(t)
	report := sampleReport()

	require.NoError(t, report.Sign(signer))
	require.False(t, report.Verify(otherPub))
}

func TestMetricReportVerifyDetectsFieldTampering(t *testing.T) {
	cases := []struct {
		name  string
		apply func(*MetricReport)
	}{
		{"node id", func(r *MetricReport) { r.NodeID = "edge-2" }},
		{"window start", func(r *MetricReport) { r.WindowStart++ }},
		{"window end", func(r *MetricReport) { r.WindowEnd++ }},
		{"total requests", func(r *MetricReport) { r.TotalRequests++ }},
		{"status bucket", func(r *MetricReport) { r.StatusBuckets["2xx"]++ }},
		{"latency p50", func(r *MetricReport) { r.LatencyP50Ms += 0.001 }},
		{"latency p95", func(r *MetricReport) { r.LatencyP95Ms += 0.001 }},
		{"latency p99", func(r *MetricReport) { r.LatencyP99Ms += 0.001 }},
		{"cache hit ratio", func(r *MetricReport) { r.CacheHitRatio += 0.001 }},
		{"bytes egressed", func(r *MetricReport) { r.BytesEgressed++ }},
		{"stage drops", func(r *MetricReport) { r.StageDrops["waf"]++ }},
		{"uptime", func(r *MetricReport) { r.UptimeSeconds += 0.001 }},
		{"resident memory", func(r *MetricReport) { r.ResidentMemoryBytes++ }},
		{"cpu percent", func(r *MetricReport) { r.CPUPercent += 0.001 }},
	}

	signer, pub := newFakeSigner(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report := sampleReport()
			require.NoError(t, report.Sign(signer))
			tc.apply(report)
			require.False(t, report.Verify(pub))
		})
	}
}

func TestMetricReportVerifyRejectsMissingSignature(t *testing.T) {
	_, pub := newFakeSigner(t)
	report := sampleReport()
	require.False(t, report.Verify(pub))
}

func TestMarshalReportProducesJSON(t *testing.T) {
	signer, _ := newFakeSigner(t)
	report := sampleReport()
	require.NoError(t, report.Sign(signer))

	body, err := MarshalReport(report)
	require.NoError(t, err)
	require.Contains(t, string(body), `"node_id":"edge-1"`)
	require.Contains(t, string(body), `"signature"`)
}
