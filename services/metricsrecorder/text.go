package metricsrecorder

import (
	"fmt"
	"sort"
	"strings"
)

// RenderText renders a MetricReport in Prometheus text exposition format.
// infrastructure/metrics scrapes a live prometheus.Registry through
// promhttp.Handler, but the metrics surface here must expose the exact
// same point-in-time, signed snapshot on both the text endpoint and the
// JSON oracle endpoint, so the text form is
// rendered directly from the MetricReport rather than from a registry.
func RenderText(r *MetricReport) string {
	var b strings.Builder

	writeGauge(&b, "aegis_uptime_seconds", "Seconds since node boot.", r.UptimeSeconds)
	writeGauge(&b, "aegis_resident_memory_bytes", "Resident memory of the edge process.", float64(r.ResidentMemoryBytes))
	writeGauge(&b, "aegis_cpu_percent", "Process CPU utilization percent.", r.CPUPercent)
	writeGauge(&b, "aegis_cache_hit_ratio", "Cache hit ratio over the current window.", r.CacheHitRatio)
	writeGauge(&b, "aegis_bytes_egressed_total", "Response bytes egressed in the current window.", float64(r.BytesEgressed))
	writeGauge(&b, "aegis_requests_total", "Total requests handled in the current window.", float64(r.TotalRequests))
	writeQuantiles(&b, "aegis_latency_milliseconds", "Request latency percentiles in milliseconds.", map[string]float64{
		"0.5":  r.LatencyP50Ms,
		"0.95": r.LatencyP95Ms,
		"0.99": r.LatencyP99Ms,
	})

	writeCounterMap(&b, "aegis_status_total", "Requests observed per status bucket.", "status", r.StatusBuckets)
	writeCounterMap(&b, "aegis_stage_drops_total", "Requests dropped per pipeline stage.", "stage", r.StageDrops)

	return b.String()
}

func writeGauge(b *strings.Builder, name, help string, value float64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	fmt.Fprintf(b, "%s %v\n", name, value)
}

func writeQuantiles(b *strings.Builder, name, help string, quantiles map[string]float64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	for _, q := range []string{"0.5", "0.95", "0.99"} {
		fmt.Fprintf(b, "%s{quantile=\"%s\"} %v\n", name, q, quantiles[q])
	}
}

func writeCounterMap(b *strings.Builder, name, help, label string, counts map[string]uint64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	for _, k := range sortedKeys(counts) {
		fmt.Fprintf(b, "%s{%s=\"%s\"} %d\n", name, label, k, counts[k])
	}
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
