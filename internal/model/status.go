package model

import (
	"github.com/rotisserie/eris"
)

// Status is the persisted pipeline state of an item.
type Status string

const (
	StatusPending        Status = "pending"
	StatusPhase1Complete Status = "phase1_complete"
	StatusPhase1Failed   Status = "phase1_failed"
	StatusPhase2Complete Status = "phase2_complete"
	StatusPhase2Failed   Status = "phase2_failed"
	StatusPhase3Complete Status = "phase3_complete"
	StatusPhase3Failed   Status = "phase3_failed"
)

// AllStatuses lists every status in pipeline order.
var AllStatuses = []Status{
	StatusPending,
	StatusPhase1Complete,
	StatusPhase1Failed,
	StatusPhase2Complete,
	StatusPhase2Failed,
	StatusPhase3Complete,
	StatusPhase3Failed,
}

// ErrInvalidTransition is returned when a status write does not follow the
// transition table.
var ErrInvalidTransition = eris.New("invalid status transition")

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Failed reports whether s is one of the phase failure states.
func (s Status) Failed() bool {
	return s == StatusPhase1Failed || s == StatusPhase2Failed || s == StatusPhase3Failed
}

// Edge is one legal predecessor of a target status. When RequiresRoute is
// set, the edge only applies to items persisted with that route.
type Edge struct {
	From          Status
	RequiresRoute Route
}

// transitions maps a target status to the states it may be entered from.
// Retrying a failed phase re-enters the same phase, so phaseN_failed is a
// predecessor of both phaseN outcomes. phase1_complete reaches phase 3
// directly only through a forced escalation.
var transitions = map[Status][]Edge{
	StatusPhase1Complete: {{From: StatusPending}, {From: StatusPhase1Failed}},
	StatusPhase1Failed:   {{From: StatusPending}, {From: StatusPhase1Failed}},
	StatusPhase2Complete: {{From: StatusPhase1Complete}, {From: StatusPhase2Failed}},
	StatusPhase2Failed:   {{From: StatusPhase1Complete}, {From: StatusPhase2Failed}},
	StatusPhase3Complete: {
		{From: StatusPhase2Complete},
		{From: StatusPhase3Failed},
		{From: StatusPhase1Complete, RequiresRoute: RouteEscalate},
	},
	StatusPhase3Failed: {
		{From: StatusPhase2Complete},
		{From: StatusPhase3Failed},
		{From: StatusPhase1Complete, RequiresRoute: RouteEscalate},
	},
}

// Predecessors returns the legal predecessor edges of to. Pending has none;
// items only enter it through import.
func Predecessors(to Status) []Edge {
	return transitions[to]
}

// CanTransition reports whether an item in from with the given route may be
// written with status to.
func CanTransition(from, to Status, route Route) bool {
	for _, e := range transitions[to] {
		if e.From != from {
			continue
		}
		if e.RequiresRoute == "" || e.RequiresRoute == route {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition (wrapped with both states)
// when CanTransition fails.
func ValidateTransition(from, to Status, route Route) error {
	if !to.Valid() {
		return eris.Wrapf(ErrInvalidTransition, "unknown status %q", to)
	}
	if !CanTransition(from, to, route) {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s (route %q)", from, to, route)
	}
	return nil
}

// CompleteStatus returns the success status for a phase.
func CompleteStatus(p Phase) Status {
	switch p {
	case Phase1:
		return StatusPhase1Complete
	case Phase2:
		return StatusPhase2Complete
	case Phase3:
		return StatusPhase3Complete
	default:
		return ""
	}
}

// FailedStatus returns the failure status for a phase.
func FailedStatus(p Phase) Status {
	switch p {
	case Phase1:
		return StatusPhase1Failed
	case Phase2:
		return StatusPhase2Failed
	case Phase3:
		return StatusPhase3Failed
	default:
		return ""
	}
}
