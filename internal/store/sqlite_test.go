package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mail-triage/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, st *SQLiteStore, items ...model.Item) {
	t.Helper()
	_, err := st.UpsertItems(context.Background(), items)
	require.NoError(t, err)
}

func mail(id, conv string, offset time.Duration) model.Item {
	return model.Item{
		ID:             id,
		Subject:        "Re: quote " + conv,
		Body:           "body of " + id,
		Sender:         id + "@example.com",
		ReceivedAt:     t0.Add(offset),
		ConversationID: conv,
	}
}

func TestSQLite_UpsertItems(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := st.UpsertItems(ctx, []model.Item{mail("a", "c1", 0), mail("b", "c1", time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	it, err := st.GetItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, it.Status)
	assert.Equal(t, "c1", it.ConversationID)
	assert.True(t, it.ReceivedAt.Equal(t0))

	// Unchanged content is a no-op.
	n, err = st.UpsertItems(ctx, []model.Item{mail("a", "c1", 0)})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSQLite_UpsertItems_ContentChangeResets(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seed(t, st, mail("a", "c1", 0))

	require.NoError(t, st.UpdateItemPhaseResult(ctx, "a", model.Phase1,
		&model.PhaseResult{Phase: model.Phase1, Category: "quote"}, model.StatusPhase1Complete))
	require.NoError(t, st.UpdateItemRoute(ctx, "a", model.RouteDone))
	require.NoError(t, st.UpdateChainScore(ctx, []string{"a"}, model.ChainScore{Score: 0.2, Type: model.ChainBroken, Size: 1}))

	changed := mail("a", "c1", 0)
	changed.Body = "new body"
	n, err := st.UpsertItems(ctx, []model.Item{changed})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	it, err := st.GetItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, it.Status)
	assert.Equal(t, model.RouteUnrouted, it.Route)
	assert.Nil(t, it.Phase1Result)
	assert.Nil(t, it.Chain)
	assert.Equal(t, "new body", it.Body)
}

func TestSQLite_GetItemsByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seed(t, st, mail("late", "c1", 2*time.Hour), mail("early", "c1", 0), mail("mid", "c2", time.Hour))

	items, err := st.GetItemsByStatus(ctx, model.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"early", "mid", "late"}, ids(items))

	items, err = st.GetItemsByStatus(ctx, model.StatusPending, 2)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	// Items routed done are never returned.
	require.NoError(t, st.UpdateItemPhaseResult(ctx, "mid", model.Phase1, &model.PhaseResult{Phase: model.Phase1}, model.StatusPhase1Complete))
	require.NoError(t, st.UpdateItemRoute(ctx, "mid", model.RouteDone))
	items, err = st.GetItemsByStatus(ctx, model.StatusPhase1Complete, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSQLite_ListItems_ByRoute(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seed(t, st, mail("a", "c1", 0), mail("b", "c1", time.Hour), mail("c", "c2", 0))
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.UpdateItemPhaseResult(ctx, id, model.Phase1, &model.PhaseResult{Phase: model.Phase1}, model.StatusPhase1Complete))
	}
	require.NoError(t, st.UpdateItemRoute(ctx, "a", model.RoutePhase2))
	require.NoError(t, st.UpdateItemRoute(ctx, "c", model.RouteEscalate))

	items, err := st.ListItems(ctx, ItemFilter{
		Statuses: []model.Status{model.StatusPhase1Complete},
		Routes:   []model.Route{model.RouteUnrouted},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(items))

	items, err = st.ListItems(ctx, ItemFilter{Routes: []model.Route{model.RoutePhase2, model.RouteEscalate}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(items))
}

func TestSQLite_Transitions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seed(t, st, mail("a", "", 0))

	// No phase skipping.
	err := st.UpdateItemPhaseResult(ctx, "a", model.Phase2, &model.PhaseResult{Phase: model.Phase2}, model.StatusPhase2Complete)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	require.NoError(t, st.UpdateItemPhaseResult(ctx, "a", model.Phase1, &model.PhaseResult{Phase: model.Phase1}, model.StatusPhase1Complete))

	// Phase 3 straight from phase 1 needs the escalate route.
	err = st.UpdateItemPhaseResult(ctx, "a", model.Phase3, &model.PhaseResult{Phase: model.Phase3}, model.StatusPhase3Complete)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	require.NoError(t, st.UpdateItemRoute(ctx, "a", model.RouteEscalate))
	require.NoError(t, st.UpdateItemPhaseResult(ctx, "a", model.Phase3,
		&model.PhaseResult{Phase: model.Phase3, FallbackUsed: true, QualityScore: 7}, model.StatusPhase3Complete))

	it, err := st.GetItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPhase3Complete, it.Status)
	assert.Equal(t, model.RouteUnrouted, it.Route, "a result write clears the route")
	require.NotNil(t, it.Phase3Result)
	assert.True(t, it.Phase3Result.FallbackUsed)
	assert.NotNil(t, it.Phase1Result)
	assert.Nil(t, it.Phase2Result)

	// Never regress to an earlier success state.
	err = st.UpdateItemPhaseResult(ctx, "a", model.Phase1, &model.PhaseResult{Phase: model.Phase1}, model.StatusPhase1Complete)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestSQLite_RecordFailureAndRetry(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seed(t, st, mail("a", "", 0))
	require.NoError(t, st.UpdateItemPhaseResult(ctx, "a", model.Phase1, &model.PhaseResult{Phase: model.Phase1}, model.StatusPhase1Complete))

	require.NoError(t, st.RecordFailure(ctx, "a", model.Phase2, "timeout: deadline exceeded"))
	it, err := st.GetItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPhase2Failed, it.Status)
	assert.Equal(t, "timeout: deadline exceeded", it.LastError)

	// A retry re-enters the same phase.
	require.NoError(t, st.UpdateItemPhaseResult(ctx, "a", model.Phase2, &model.PhaseResult{Phase: model.Phase2}, model.StatusPhase2Complete))
	it, err = st.GetItem(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPhase2Complete, it.Status)
	assert.Empty(t, it.LastError)
}

func TestSQLite_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetItem(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	err = st.UpdateItemPhaseResult(ctx, "nope", model.Phase1, &model.PhaseResult{}, model.StatusPhase1Complete)
	assert.ErrorIs(t, err, ErrNotFound)

	err = st.UpdateItemRoute(ctx, "nope", model.RouteDone)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ChainMembersAndScore(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seed(t, st, mail("r2", "conv", 2*time.Hour), mail("r1", "conv", time.Hour), mail("first", "conv", 0), mail("other", "x", 0))

	members, err := st.GetChainMembers(ctx, "conv")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "r1", "r2"}, ids(members))

	score := model.ChainScore{Score: 0.82, Type: model.ChainComplete, Size: 3}
	require.NoError(t, st.UpdateChainScore(ctx, ids(members), score))

	members, err = st.GetChainMembers(ctx, "conv")
	require.NoError(t, err)
	for _, m := range members {
		require.NotNil(t, m.Chain, m.ID)
		assert.Equal(t, score, *m.Chain)
	}

	other, err := st.GetItem(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, other.Chain)
}

func TestSQLite_CountItems(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seed(t, st, mail("a", "", 0), mail("b", "", 0), mail("c", "", 0), mail("d", "", 0))
	require.NoError(t, st.UpdateItemPhaseResult(ctx, "a", model.Phase1, &model.PhaseResult{Phase: model.Phase1}, model.StatusPhase1Complete))
	require.NoError(t, st.UpdateItemRoute(ctx, "a", model.RouteDone))
	require.NoError(t, st.UpdateItemPhaseResult(ctx, "d", model.Phase1, &model.PhaseResult{Phase: model.Phase1}, model.StatusPhase1Complete))
	require.NoError(t, st.UpdateItemPhaseResult(ctx, "d", model.Phase2, &model.PhaseResult{Phase: model.Phase2}, model.StatusPhase2Complete))

	counts, err := st.CountItems(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []StatusCount{
		{Status: model.StatusPending, Route: model.RouteUnrouted, Count: 2},
		{Status: model.StatusPhase1Complete, Route: model.RouteDone, Count: 1},
		{Status: model.StatusPhase2Complete, Route: model.RouteUnrouted, HasPhase2: true, Count: 1},
	}, counts)
}

func TestSQLite_ListPhaseResults(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	a := mail("a", "", 0)
	seed(t, st, a, mail("b", "", 0))
	require.NoError(t, st.UpdateItemPhaseResult(ctx, "a", model.Phase1, &model.PhaseResult{Phase: model.Phase1}, model.StatusPhase1Complete))
	require.NoError(t, st.UpdateItemPhaseResult(ctx, "a", model.Phase2,
		&model.PhaseResult{Phase: model.Phase2, Engine: "haiku", Priority: model.PriorityHigh}, model.StatusPhase2Complete))

	var got []string
	err := st.ListPhaseResults(ctx, func(hash string, r *model.PhaseResult) error {
		assert.Equal(t, a.ContentHash(), hash)
		got = append(got, r.Phase.String()+":"+r.Engine)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"phase2:haiku"}, got)
}

func TestTransitionClause(t *testing.T) {
	clause, args := transitionClause(model.StatusPhase3Failed, postgresPlaceholder, 3)
	assert.Equal(t, "(status = $3 OR status = $4 OR (status = $5 AND route = $6))", clause)
	assert.Equal(t, []any{"phase2_complete", "phase3_failed", "phase1_complete", "escalate"}, args)

	clause, args = transitionClause(model.StatusPending, sqlitePlaceholder, 1)
	assert.Equal(t, "FALSE", clause)
	assert.Empty(t, args)
}

func TestFilterClause_DefaultLimit(t *testing.T) {
	clause, args := filterClause(ItemFilter{}, postgresPlaceholder, 1)
	assert.Equal(t, "route <> $1 ORDER BY received_at, id LIMIT $2", clause)
	assert.Equal(t, []any{"done", defaultLimit}, args)
}

func ids(items []model.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
