package model

import "time"

// FailureKind classifies why a phase call did not produce a result.
type FailureKind string

const (
	FailureParse       FailureKind = "parse_failure"
	FailureTimeout     FailureKind = "timeout"
	FailureUnavailable FailureKind = "endpoint_unavailable"
	FailureStoreWrite  FailureKind = "store_write_failure"
	FailureCanceled    FailureKind = "canceled"
	FailureUnknown     FailureKind = "unknown"
)

// Mode selects the engine/model and timeout profile for Phase 2 and 3.
type Mode string

const (
	ModeSpeed    Mode = "speed"
	ModeBalanced Mode = "balanced"
	ModeQuality  Mode = "quality"
)

// PhaseCounts tallies per-phase outcomes within a run.
type PhaseCounts struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	CacheHits int `json:"cache_hits"`
}

// RunSummary is the user-visible report of a batch run.
type RunSummary struct {
	RunID    string                 `json:"run_id"`
	Mode     Mode                   `json:"mode"`
	Phases   map[Phase]*PhaseCounts `json:"phases"`
	Rerouted int                    `json:"rerouted"`
	// Escalated counts items force-routed straight to Phase 3.
	Escalated    int           `json:"escalated"`
	Terminal     int           `json:"terminal"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	CostUSD      float64       `json:"cost_usd"`
	StartedAt    time.Time     `json:"started_at"`
	Elapsed      time.Duration `json:"elapsed"`
}

// NewRunSummary creates an empty summary for all three phases.
func NewRunSummary(runID string, mode Mode) *RunSummary {
	return &RunSummary{
		RunID: runID,
		Mode:  mode,
		Phases: map[Phase]*PhaseCounts{
			Phase1: {},
			Phase2: {},
			Phase3: {},
		},
		StartedAt: time.Now().UTC(),
	}
}

// Processed returns the number of phase outcomes (success or failure).
func (s *RunSummary) Processed() int {
	n := 0
	for _, c := range s.Phases {
		n += c.Succeeded + c.Failed
	}
	return n
}

// Throughput returns processed phase outcomes per second.
func (s *RunSummary) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Processed()) / s.Elapsed.Seconds()
}

// AddUsage accumulates token usage and cost from r.
func (s *RunSummary) AddUsage(r *PhaseResult) {
	if r == nil {
		return
	}
	s.InputTokens += r.InputTokens
	s.OutputTokens += r.OutputTokens
	s.CostUSD += r.CostUSD
}
