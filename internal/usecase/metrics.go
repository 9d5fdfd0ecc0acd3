package usecase

import (
	"sync/atomic"
	"time"
)

// MetricsSummary aggregates pipeline outcomes since process start. Only
// counters are kept, never the predictions themselves.
type MetricsSummary struct {
	TotalRequests    int64   `json:"total_requests" msgpack:"total_requests"`
	Resolved         int64   `json:"resolved" msgpack:"resolved"`
	Rejected         int64   `json:"rejected" msgpack:"rejected"`
	Failed           int64   `json:"failed" msgpack:"failed"`
	SuccessRate      float64 `json:"success_rate" msgpack:"success_rate"`
	AverageLatencyMs float64 `json:"average_latency_ms" msgpack:"average_latency_ms"`
}

type outcomeCounters struct {
	total        atomic.Int64
	resolved     atomic.Int64
	rejected     atomic.Int64
	failed       atomic.Int64
	latencyNanos atomic.Int64
}

func (c *outcomeCounters) record(stage Stage, latency time.Duration) {
	c.total.Add(1)
	c.latencyNanos.Add(int64(latency))
	switch stage {
	case StageResolved:
		c.resolved.Add(1)
	case StageRejected:
		c.rejected.Add(1)
	default:
		c.failed.Add(1)
	}
}

// GetMetricsSummary reports the outcome counters.
func (uc *ClassificationUseCase) GetMetricsSummary() MetricsSummary {
	summary := MetricsSummary{
		TotalRequests: uc.counters.total.Load(),
		Resolved:      uc.counters.resolved.Load(),
		Rejected:      uc.counters.rejected.Load(),
		Failed:        uc.counters.failed.Load(),
	}
	if summary.TotalRequests > 0 {
		summary.SuccessRate = float64(summary.Resolved) / float64(summary.TotalRequests)
		avg := time.Duration(uc.counters.latencyNanos.Load() / summary.TotalRequests)
		summary.AverageLatencyMs = float64(avg) / float64(time.Millisecond)
	}
	return summary
}
