package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/mail-triage/internal/config"
	"github.com/sells-group/mail-triage/internal/model"
)

func TestRouterAfterPhase1(t *testing.T) {
	r := NewRouter(testRouterConfig())
	urgent := &model.PhaseResult{Urgency: "high", Priority: model.PriorityCritical}
	calm := &model.PhaseResult{Urgency: "normal", Priority: model.PriorityLow}

	tests := []struct {
		name   string
		res    *model.PhaseResult
		score  float64
		want   model.Route
		reason string
	}{
		{"urgent broken chain", urgent, 0.1, model.RouteEscalate, ReasonUrgencyCue},
		{"urgent complete chain", urgent, 0.95, model.RouteEscalate, ReasonUrgencyCue},
		{"broken chain", calm, 0.29, model.RouteDone, ReasonBrokenChain},
		{"at broken threshold", calm, 0.3, model.RoutePhase2, ReasonNeedsPhase2},
		{"complete chain", calm, 0.9, model.RoutePhase2, ReasonNeedsPhase2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.AfterPhase1(tt.res, model.ChainScore{Score: tt.score})
			assert.Equal(t, tt.want, d.Route)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.want == model.RouteEscalate, d.Forced())
		})
	}
}

func TestRouterAfterPhase2(t *testing.T) {
	r := NewRouter(testRouterConfig())

	tests := []struct {
		name           string
		priority       model.Priority
		score          float64
		representative bool
		want           model.Route
		reason         string
	}{
		{"critical", model.PriorityCritical, 0.1, false, model.RoutePhase3, ReasonPriority},
		{"high", model.PriorityHigh, 0.5, false, model.RoutePhase3, ReasonPriority},
		{"medium partial", model.PriorityMedium, 0.5, true, model.RouteDone, ReasonNoEscalation},
		{"complete representative", model.PriorityLow, 0.8, true, model.RoutePhase3, ReasonCompleteChain},
		{"complete non-representative", model.PriorityLow, 0.9, false, model.RouteDone, ReasonNoEscalation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.AfterPhase2(&model.PhaseResult{Priority: tt.priority}, model.ChainScore{Score: tt.score}, tt.representative)
			assert.Equal(t, tt.want, d.Route)
			assert.Equal(t, tt.reason, d.Reason)
			assert.False(t, d.Forced())
		})
	}
}

func TestRouterEscalatePrioritiesConfigurable(t *testing.T) {
	cfg := testRouterConfig()
	cfg.EscalatePriorities = []string{"critical", "bogus"}
	r := NewRouter(cfg)

	d := r.AfterPhase2(&model.PhaseResult{Priority: model.PriorityHigh}, model.ChainScore{Score: 0.5}, true)
	assert.Equal(t, model.RouteDone, d.Route)

	d = r.AfterPhase2(&model.PhaseResult{Priority: model.PriorityCritical}, model.ChainScore{Score: 0.5}, true)
	assert.Equal(t, model.RoutePhase3, d.Route)
}

func TestRouterNext(t *testing.T) {
	r := NewRouter(config.RouterConfig{BrokenThreshold: 0.3, CompleteThreshold: 0.8})
	chain := model.ChainScore{Score: 0.5}

	tests := []struct {
		name string
		item model.Item
		want model.Route
	}{
		{"phase1 complete", model.Item{Status: model.StatusPhase1Complete, Phase1Result: &model.PhaseResult{Urgency: "normal"}}, model.RoutePhase2},
		{"phase2 complete", model.Item{Status: model.StatusPhase2Complete, Phase2Result: &model.PhaseResult{Priority: model.PriorityLow}}, model.RouteDone},
		{"phase3 complete", model.Item{Status: model.StatusPhase3Complete}, model.RouteDone},
		{"pending keeps route", model.Item{Status: model.StatusPending}, model.RouteUnrouted},
		{"failed keeps route", model.Item{Status: model.StatusPhase2Failed, Route: model.RoutePhase2}, model.RoutePhase2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Next(&tt.item, chain, false)
			assert.Equal(t, tt.want, d.Route)
		})
	}
}

func TestRouterExactlyOneRoute(t *testing.T) {
	r := NewRouter(testRouterConfig())
	valid := map[model.Route]bool{
		model.RoutePhase2:   true,
		model.RoutePhase3:   true,
		model.RouteEscalate: true,
		model.RouteDone:     true,
	}
	for _, urgency := range []string{"high", "normal"} {
		for _, score := range []float64{0, 0.29, 0.3, 0.79, 0.8, 1} {
			d := r.AfterPhase1(&model.PhaseResult{Urgency: urgency}, model.ChainScore{Score: score})
			assert.True(t, valid[d.Route], "phase1 %s %.2f -> %q", urgency, score, d.Route)
			for _, p := range []model.Priority{model.PriorityCritical, model.PriorityHigh, model.PriorityMedium, model.PriorityLow} {
				for _, rep := range []bool{true, false} {
					d := r.AfterPhase2(&model.PhaseResult{Priority: p}, model.ChainScore{Score: score}, rep)
					assert.Contains(t, []model.Route{model.RoutePhase3, model.RouteDone}, d.Route)
				}
			}
		}
	}
}
