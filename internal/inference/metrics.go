package inference

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/mail-triage/internal/resilience"
)

var (
	// callsTotal counts model calls by model and outcome.
	// Labels: model, outcome (ok, timeout, endpoint_unavailable, unknown, ...)
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triage",
		Subsystem: "inference",
		Name:      "calls_total",
		Help:      "Total inference calls by model and outcome",
	}, []string{"model", "outcome"})

	// tokensTotal counts tokens by model and direction (input, output, cache_read, cache_write).
	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triage",
		Subsystem: "inference",
		Name:      "tokens_total",
		Help:      "Total tokens by model and direction",
	}, []string{"model", "direction"})

	latencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "triage",
		Subsystem: "inference",
		Name:      "latency_seconds",
		Help:      "Inference call latency including breaker checks",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"model"})
)

func observe(modelID string, resp *Response, err error, elapsed time.Duration) {
	latencySeconds.WithLabelValues(modelID).Observe(elapsed.Seconds())
	if err != nil {
		callsTotal.WithLabelValues(modelID, string(resilience.KindOf(err))).Inc()
		return
	}
	callsTotal.WithLabelValues(modelID, "ok").Inc()
	if resp != nil {
		tokensTotal.WithLabelValues(modelID, "input").Add(float64(resp.InputTokens))
		tokensTotal.WithLabelValues(modelID, "output").Add(float64(resp.OutputTokens))
		tokensTotal.WithLabelValues(modelID, "cache_read").Add(float64(resp.CacheReadTokens))
		tokensTotal.WithLabelValues(modelID, "cache_write").Add(float64(resp.CacheWriteTokens))
	}
}
