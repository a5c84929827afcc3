// Package model defines the data types shared by the classification pipeline.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Phase identifies one tier of the progressive classification pipeline.
type Phase int

const (
	PhaseNone Phase = 0
	Phase1    Phase = 1
	Phase2    Phase = 2
	Phase3    Phase = 3
)

func (p Phase) String() string {
	switch p {
	case Phase1:
		return "phase1"
	case Phase2:
		return "phase2"
	case Phase3:
		return "phase3"
	default:
		return "none"
	}
}

// Route is the persisted routing decision for an item's next phase.
type Route string

const (
	RouteUnrouted Route = ""
	RoutePhase2   Route = "phase2"
	RoutePhase3   Route = "phase3"
	// RouteEscalate is a forced Phase 3 that skips Phase 2.
	RouteEscalate Route = "escalate"
	RouteDone     Route = "done"
)

// Phase returns the phase a route leads to.
func (r Route) Phase() Phase {
	switch r {
	case RoutePhase2:
		return Phase2
	case RoutePhase3, RouteEscalate:
		return Phase3
	default:
		return PhaseNone
	}
}

// ChainType tags how conversationally resolved a chain is.
type ChainType string

const (
	ChainComplete ChainType = "complete"
	ChainPartial  ChainType = "partial"
	ChainBroken   ChainType = "broken"
)

// ChainScore is the derived completeness of a conversation chain, cached on
// each member item.
type ChainScore struct {
	Score float64   `json:"completeness_score"`
	Type  ChainType `json:"chain_type"`
	// Size is the member count the score was computed from.
	Size int `json:"chain_size"`
}

// Item is a single email to classify.
type Item struct {
	ID             string    `json:"id" yaml:"id"`
	Subject        string    `json:"subject" yaml:"subject"`
	Body           string    `json:"body" yaml:"body"`
	Sender         string    `json:"sender" yaml:"sender"`
	ReceivedAt     time.Time `json:"received_at" yaml:"received_at"`
	ConversationID string    `json:"conversation_id" yaml:"conversation_id"`

	Status Status      `json:"status" yaml:"-"`
	Route  Route       `json:"route,omitempty" yaml:"-"`
	Chain  *ChainScore `json:"chain,omitempty" yaml:"-"`

	Phase1Result *PhaseResult `json:"phase1_result,omitempty" yaml:"-"`
	Phase2Result *PhaseResult `json:"phase2_result,omitempty" yaml:"-"`
	Phase3Result *PhaseResult `json:"phase3_result,omitempty" yaml:"-"`

	LastError string    `json:"last_error,omitempty" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// ContentHash returns the SHA-256 of the fields that determine every phase
// result. Any change to them invalidates cached and persisted analysis.
func (it *Item) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(it.Sender)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(it.Subject)))
	h.Write([]byte{0})
	h.Write([]byte(it.Body))
	return hex.EncodeToString(h.Sum(nil))
}

// Result returns the stored result for phase p, or nil.
func (it *Item) Result(p Phase) *PhaseResult {
	switch p {
	case Phase1:
		return it.Phase1Result
	case Phase2:
		return it.Phase2Result
	case Phase3:
		return it.Phase3Result
	default:
		return nil
	}
}

// SetResult stores r as the result for phase p.
func (it *Item) SetResult(p Phase, r *PhaseResult) {
	switch p {
	case Phase1:
		it.Phase1Result = r
	case Phase2:
		it.Phase2Result = r
	case Phase3:
		it.Phase3Result = r
	}
}

// ConversationKey returns the chain key for the item. Items without a
// conversation id form a chain of their own.
func (it *Item) ConversationKey() string {
	if it.ConversationID != "" {
		return it.ConversationID
	}
	return "item:" + it.ID
}
