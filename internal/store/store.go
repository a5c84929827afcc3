// Package store persists items, their phase results, routes and chain
// scores. Every status write is checked against the model transition table
// in the same statement that performs it.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mail-triage/internal/model"
)

// ErrNotFound is returned when an item id does not exist.
var ErrNotFound = eris.New("item not found")

// ItemFilter selects items for a batch cursor. Items routed done are never
// returned. An empty Routes matches any other route.
type ItemFilter struct {
	Statuses []model.Status
	Routes   []model.Route
	Limit    int
}

// StatusCount is one row of the funnel breakdown. HasPhase2 separates items
// that carry a Phase 2 result from forced escalations that skipped it.
type StatusCount struct {
	Status    model.Status
	Route     model.Route
	HasPhase2 bool
	Count     int
}

// Store defines the persistence interface for the classification pipeline.
type Store interface {
	// Import
	UpsertItems(ctx context.Context, items []model.Item) (int, error)

	// Cursors
	GetItem(ctx context.Context, id string) (*model.Item, error)
	GetItemsByStatus(ctx context.Context, status model.Status, limit int) ([]model.Item, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]model.Item, error)
	GetChainMembers(ctx context.Context, conversationID string) ([]model.Item, error)

	// Writes
	UpdateItemPhaseResult(ctx context.Context, id string, phase model.Phase, result *model.PhaseResult, newStatus model.Status) error
	RecordFailure(ctx context.Context, id string, phase model.Phase, reason string) error
	UpdateItemRoute(ctx context.Context, id string, route model.Route) error
	UpdateChainScore(ctx context.Context, ids []string, score model.ChainScore) error

	// Reporting and cache warm-up
	CountItems(ctx context.Context) ([]StatusCount, error)
	ListPhaseResults(ctx context.Context, fn func(contentHash string, r *model.PhaseResult) error) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultLimit = 100

// itemColumns is the select list shared by every item query.
const itemColumns = `id, subject, body, sender, received_at, conversation_id, status, route,
	completeness_score, chain_type, chain_size, phase1_result, phase2_result, phase3_result,
	last_error, updated_at`

// resultColumn returns the result column for a phase.
func resultColumn(p model.Phase) (string, error) {
	switch p {
	case model.Phase1, model.Phase2, model.Phase3:
		return fmt.Sprintf("phase%d_result", p), nil
	default:
		return "", eris.Errorf("store: invalid phase %d", p)
	}
}

// checkPhaseStatus verifies that status is an outcome of phase.
func checkPhaseStatus(phase model.Phase, status model.Status) error {
	if status != model.CompleteStatus(phase) && status != model.FailedStatus(phase) {
		return eris.Wrapf(model.ErrInvalidTransition, "status %q is not a %s outcome", status, phase)
	}
	return nil
}

// placeholder renders the n-th (1-based) bind parameter.
type placeholder func(n int) string

func sqlitePlaceholder(int) string {
	return "?"
}

func postgresPlaceholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// transitionClause builds the WHERE fragment admitting only the legal
// predecessors of to. Bind numbering starts at first.
func transitionClause(to model.Status, ph placeholder, first int) (string, []any) {
	edges := model.Predecessors(to)
	if len(edges) == 0 {
		return "FALSE", nil
	}
	n := first
	parts := make([]string, 0, len(edges))
	args := make([]any, 0, len(edges)*2)
	for _, e := range edges {
		if e.RequiresRoute != "" {
			parts = append(parts, fmt.Sprintf("(status = %s AND route = %s)", ph(n), ph(n+1)))
			args = append(args, string(e.From), string(e.RequiresRoute))
			n += 2
			continue
		}
		parts = append(parts, fmt.Sprintf("status = %s", ph(n)))
		args = append(args, string(e.From))
		n++
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

// filterClause renders an ItemFilter as a WHERE body and its args.
func filterClause(f ItemFilter, ph placeholder, first int) (string, []any) {
	n := first
	var args []any
	in := func(values []string) string {
		marks := make([]string, len(values))
		for i, v := range values {
			marks[i] = ph(n)
			args = append(args, v)
			n++
		}
		return strings.Join(marks, ", ")
	}

	conds := []string{fmt.Sprintf("route <> %s", ph(n))}
	args = append(args, string(model.RouteDone))
	n++

	if len(f.Statuses) > 0 {
		vals := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			vals[i] = string(s)
		}
		conds = append(conds, "status IN ("+in(vals)+")")
	}
	if len(f.Routes) > 0 {
		vals := make([]string, len(f.Routes))
		for i, r := range f.Routes {
			vals[i] = string(r)
		}
		conds = append(conds, "route IN ("+in(vals)+")")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	q := strings.Join(conds, " AND ") + fmt.Sprintf(" ORDER BY received_at, id LIMIT %s", ph(n))
	args = append(args, limit)
	return q, args
}

// explainNoRows turns a zero-row transition write into ErrNotFound or
// ErrInvalidTransition given the item's current state.
func explainNoRows(id string, found bool, from model.Status, route model.Route, to model.Status) error {
	if !found {
		return eris.Wrapf(ErrNotFound, "item %s", id)
	}
	if err := model.ValidateTransition(from, to, route); err != nil {
		return eris.Wrapf(err, "item %s", id)
	}
	// Legal now, so the row changed between the write and the lookup.
	return eris.Wrapf(model.ErrInvalidTransition, "item %s: concurrent status change", id)
}
