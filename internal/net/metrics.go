package net

import (
	"os"
	"sort"

	"github.com/rs/zerolog"
)

// percentile picks the nearest-rank sample from an ascending-sorted slice:
// the value at index floor(n*p), clamped to n-1.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// emitMetrics sorts the latency samples and writes the summary metrics to
// stderr, one bare {"metric": ..., "value": ...} JSON object per line.
func emitMetrics(latenciesUS []float64, received uint64, wallSeconds float64) {
	if len(latenciesUS) == 0 {
		return
	}
	sort.Float64s(latenciesUS)

	// Undecorated logger: no timestamp, no level, just the two keys.
	ml := zerolog.New(os.Stderr)
	ml.Log().Str("metric", "latency_p95_us").Float64("value", percentile(latenciesUS, 0.95)).Send()
	ml.Log().Str("metric", "latency_p99_us").Float64("value", percentile(latenciesUS, 0.99)).Send()
	if wallSeconds > 0 {
		ml.Log().Str("metric", "throughput_msg_per_s").Float64("value", float64(received)/wallSeconds).Send()
	}
}
