package pipeline

import (
	"github.com/sells-group/mail-triage/internal/config"
	"github.com/sells-group/mail-triage/internal/model"
)

// Reasons recorded with routing decisions.
const (
	ReasonUrgencyCue    = "urgency_cue"
	ReasonBrokenChain   = "broken_chain"
	ReasonNeedsPhase2   = "needs_phase2"
	ReasonPriority      = "priority"
	ReasonCompleteChain = "complete_chain"
	ReasonNoEscalation  = "no_escalation"
	ReasonFinalPhase    = "final_phase"
	ReasonNotRoutable   = "not_routable"
)

// Decision is the router's choice of next phase for one item.
type Decision struct {
	Route  model.Route
	Reason string
}

// Forced reports whether the decision skips Phase 2.
func (d Decision) Forced() bool { return d.Route == model.RouteEscalate }

// Router maps an item's status, chain score and known priority signals to
// exactly one next phase.
type Router struct {
	broken   float64
	complete float64
	escalate []model.Priority
}

// NewRouter creates a router from thresholds. Unknown priority names are
// ignored; Config.Validate reports them.
func NewRouter(cfg config.RouterConfig) *Router {
	r := &Router{broken: cfg.BrokenThreshold, complete: cfg.CompleteThreshold}
	for _, s := range cfg.EscalatePriorities {
		if p, ok := model.ParsePriority(s); ok {
			r.escalate = append(r.escalate, p)
		}
	}
	return r
}

// Next routes an item that has completed a phase. representative reports
// whether the item is its chain's latest message. Items in any other status
// are not routable and keep their current route.
func (r *Router) Next(it *model.Item, chain model.ChainScore, representative bool) Decision {
	switch it.Status {
	case model.StatusPhase1Complete:
		return r.AfterPhase1(it.Phase1Result, chain)
	case model.StatusPhase2Complete:
		return r.AfterPhase2(it.Phase2Result, chain, representative)
	case model.StatusPhase3Complete:
		return Decision{Route: model.RouteDone, Reason: ReasonFinalPhase}
	default:
		return Decision{Route: it.Route, Reason: ReasonNotRoutable}
	}
}

// AfterPhase1 escalates urgent items straight to Phase 3 regardless of the
// chain, stops broken chains, and sends everything else to Phase 2.
func (r *Router) AfterPhase1(res *model.PhaseResult, chain model.ChainScore) Decision {
	if Escalates(res) {
		return Decision{Route: model.RouteEscalate, Reason: ReasonUrgencyCue}
	}
	if chain.Score < r.broken {
		return Decision{Route: model.RouteDone, Reason: ReasonBrokenChain}
	}
	return Decision{Route: model.RoutePhase2, Reason: ReasonNeedsPhase2}
}

// AfterPhase2 sends escalating priorities to Phase 3. A complete chain
// forces Phase 3 for its representative only.
func (r *Router) AfterPhase2(res *model.PhaseResult, chain model.ChainScore, representative bool) Decision {
	if res.Escalating(r.escalate) {
		return Decision{Route: model.RoutePhase3, Reason: ReasonPriority}
	}
	if representative && chain.Score >= r.complete {
		return Decision{Route: model.RoutePhase3, Reason: ReasonCompleteChain}
	}
	return Decision{Route: model.RouteDone, Reason: ReasonNoEscalation}
}
