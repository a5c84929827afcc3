package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/mail-triage/internal/model"
)

var (
	inFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "triage",
		Subsystem: "executor",
		Name:      "in_flight",
		Help:      "Phase calls currently in flight",
	})

	// outcomesTotal counts task outcomes. Labels: kind (ok or a failure kind)
	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "triage",
		Subsystem: "executor",
		Name:      "outcomes_total",
		Help:      "Task outcomes by failure kind",
	}, []string{"kind"})
)

func outcomeLabel(k model.FailureKind) string {
	if k == "" {
		return "ok"
	}
	return string(k)
}
