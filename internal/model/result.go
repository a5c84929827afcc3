package model

import "strings"

// WorkflowState is the closed set of business workflow classifications.
type WorkflowState string

const (
	WorkflowQuoteRequest   WorkflowState = "QUOTE_REQUEST"
	WorkflowOrderPlaced    WorkflowState = "ORDER_PLACED"
	WorkflowSupportInquiry WorkflowState = "SUPPORT_INQUIRY"
	WorkflowInformation    WorkflowState = "INFORMATION"
	WorkflowNegotiation    WorkflowState = "NEGOTIATION"
	WorkflowEscalation     WorkflowState = "ESCALATION"
	WorkflowOther          WorkflowState = "OTHER"
)

var workflowStates = map[WorkflowState]bool{
	WorkflowQuoteRequest:   true,
	WorkflowOrderPlaced:    true,
	WorkflowSupportInquiry: true,
	WorkflowInformation:    true,
	WorkflowNegotiation:    true,
	WorkflowEscalation:     true,
	WorkflowOther:          true,
}

// ParseWorkflowState normalizes s ("quote request", "Quote-Request") into the
// closed set. Unknown values map to OTHER; ok is false when s was not one of
// the known states.
func ParseWorkflowState(s string) (ws WorkflowState, ok bool) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	ws = WorkflowState(norm)
	if workflowStates[ws] {
		return ws, true
	}
	return WorkflowOther, false
}

// Priority is the business priority assigned to an item.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// ParsePriority normalizes s into a Priority.
func ParsePriority(s string) (Priority, bool) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return p, true
	default:
		return "", false
	}
}

// Entity is an identifier extracted from an item (order number, case number...).
type Entity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// PhaseResult is the structured record produced by any phase.
type PhaseResult struct {
	Phase         Phase         `json:"phase"`
	WorkflowState WorkflowState `json:"workflow_state"`
	Priority      Priority      `json:"priority"`
	Entities      []Entity      `json:"entities"`
	Confidence    float64       `json:"confidence"`
	Engine        string        `json:"engine"`
	DurationMs    int64         `json:"duration_ms"`

	// Phase 1
	Category  string `json:"category,omitempty"`
	Sentiment string `json:"sentiment,omitempty"`
	Urgency   string `json:"urgency,omitempty"`

	// Phase 2 and 3
	ActionItems    []string `json:"action_items,omitempty"`
	BusinessImpact string   `json:"business_impact,omitempty"`

	// Phase 3
	ExecutiveSummary   string   `json:"executive_summary,omitempty"`
	QualityScore       float64  `json:"quality_score,omitempty"`
	RecommendedActions []string `json:"recommended_actions,omitempty"`
	FallbackUsed       bool     `json:"fallback_used,omitempty"`

	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// Escalating reports whether the result's priority calls for deep analysis.
func (r *PhaseResult) Escalating(priorities []Priority) bool {
	if r == nil {
		return false
	}
	for _, p := range priorities {
		if r.Priority == p {
			return true
		}
	}
	return false
}
