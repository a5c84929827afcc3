// Package monitoring measures the realized classification funnel and alerts
// when it drifts past configured thresholds.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mail-triage/internal/model"
	"github.com/sells-group/mail-triage/internal/store"
)

// FunnelSnapshot is a point-in-time view of how far items have progressed.
type FunnelSnapshot struct {
	Total    int                  `json:"total"`
	Pending  int                  `json:"pending"`
	ByStatus map[model.Status]int `json:"by_status"`
	ByRoute  map[model.Route]int  `json:"by_route"`

	// Reached counts items holding a result of, or having attempted, each phase.
	Reached map[model.Phase]int `json:"reached"`
	// StoppedAfter counts items routed done after completing each phase.
	StoppedAfter map[model.Phase]int `json:"stopped_after"`
	Failed       int                 `json:"failed"`
	// Escalated counts Phase 3 items that never ran Phase 2.
	Escalated int `json:"escalated"`

	CollectedAt time.Time `json:"collected_at"`
}

// Share returns the fraction of all items that reached phase p.
func (s *FunnelSnapshot) Share(p model.Phase) float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Reached[p]) / float64(s.Total)
}

// Analyzed returns the number of items that left pending.
func (s *FunnelSnapshot) Analyzed() int {
	return s.Total - s.Pending
}

// FailureRate returns failed items over analyzed items.
func (s *FunnelSnapshot) FailureRate() float64 {
	if n := s.Analyzed(); n > 0 {
		return float64(s.Failed) / float64(n)
	}
	return 0
}

// Phase3Ratio returns the share of Phase 1 results that went on to Phase 3.
func (s *FunnelSnapshot) Phase3Ratio() float64 {
	if n := s.Reached[model.Phase1]; n > 0 {
		return float64(s.Reached[model.Phase3]) / float64(n)
	}
	return 0
}

// Counter is the store method the collector needs.
type Counter interface {
	CountItems(ctx context.Context) ([]store.StatusCount, error)
}

// Collector builds funnel snapshots from the store.
type Collector struct {
	store Counter
}

// NewCollector creates a new funnel collector.
func NewCollector(st Counter) *Collector {
	return &Collector{store: st}
}

// Collect gathers a funnel snapshot.
func (c *Collector) Collect(ctx context.Context) (*FunnelSnapshot, error) {
	counts, err := c.store.CountItems(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count items")
	}
	return Summarize(counts), nil
}

// Summarize folds store counts into a snapshot.
func Summarize(counts []store.StatusCount) *FunnelSnapshot {
	snap := &FunnelSnapshot{
		ByStatus:     make(map[model.Status]int),
		ByRoute:      make(map[model.Route]int),
		Reached:      map[model.Phase]int{model.Phase1: 0, model.Phase2: 0, model.Phase3: 0},
		StoppedAfter: map[model.Phase]int{model.Phase1: 0, model.Phase2: 0, model.Phase3: 0},
		CollectedAt:  time.Now().UTC(),
	}

	for _, c := range counts {
		n := c.Count
		snap.Total += n
		snap.ByStatus[c.Status] += n
		if c.Route != model.RouteUnrouted {
			snap.ByRoute[c.Route] += n
		}
		if c.Status.Failed() {
			snap.Failed += n
		}

		switch c.Status {
		case model.StatusPending:
			snap.Pending += n
			continue
		case model.StatusPhase1Failed:
			continue
		}
		snap.Reached[model.Phase1] += n

		if c.HasPhase2 || c.Status == model.StatusPhase2Failed {
			snap.Reached[model.Phase2] += n
		}
		if c.Status == model.StatusPhase3Complete || c.Status == model.StatusPhase3Failed {
			snap.Reached[model.Phase3] += n
			if !c.HasPhase2 {
				snap.Escalated += n
			}
		}

		if c.Route == model.RouteDone {
			switch c.Status {
			case model.StatusPhase1Complete:
				snap.StoppedAfter[model.Phase1] += n
			case model.StatusPhase2Complete:
				snap.StoppedAfter[model.Phase2] += n
			case model.StatusPhase3Complete:
				snap.StoppedAfter[model.Phase3] += n
			}
		}
	}
	return snap
}
