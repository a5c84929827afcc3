package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mail-triage/internal/cache"
	"github.com/sells-group/mail-triage/internal/config"
	"github.com/sells-group/mail-triage/internal/cost"
	"github.com/sells-group/mail-triage/internal/executor"
	"github.com/sells-group/mail-triage/internal/inference"
	"github.com/sells-group/mail-triage/internal/model"
	"github.com/sells-group/mail-triage/internal/resilience"
	"github.com/sells-group/mail-triage/internal/store"
)

// Options is the batch invocation surface of one run.
type Options struct {
	// Limit caps the items pulled per phase. Default: batch.limit.
	Limit int
	// Concurrency caps in-flight model calls. Default: batch.concurrency.
	Concurrency int
	// Mode selects the Phase 2/3 profile. Default: balanced.
	Mode model.Mode
	// SkipCache bypasses cache lookups. Fresh results are still cached.
	SkipCache bool
	// Retry re-enters the failed phase for items in a phaseN_failed status.
	Retry bool
}

// Pipeline drives items through Phase 1, chain scoring, routing and the
// model phases. It is safe for sequential runs; the executor, and with it
// the rate limiter and inter-batch delay, is shared across runs.
type Pipeline struct {
	cfg      *config.Config
	store    store.Store
	endpoint inference.Endpoint
	cache    cache.Cache
	chains   *ChainAnalyzer
	router   *Router
	costCalc *cost.Calculator

	storeRetry resilience.RetryConfig

	mu   sync.Mutex
	exec *executor.Executor
}

// New creates a Pipeline. A nil cache disables caching.
func New(cfg *config.Config, st store.Store, ep inference.Endpoint, c cache.Cache) *Pipeline {
	if c == nil {
		c = cache.Nop{}
	}
	return &Pipeline{
		cfg:        cfg,
		store:      st,
		endpoint:   ep,
		cache:      c,
		chains:     NewChainAnalyzer(cfg.Chain, cfg.Router),
		router:     NewRouter(cfg.Router),
		costCalc:   cost.NewCalculator(cfg.Pricing),
		storeRetry: resilience.StoreRetryConfig(cfg.Batch.StoreWriteAttempts, store.ErrNotFound, model.ErrInvalidTransition),
	}
}

// ExecutorStats returns the counters of the shared executor.
func (p *Pipeline) ExecutorStats() executor.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exec == nil {
		return executor.Stats{}
	}
	return p.exec.Stats()
}

func (p *Pipeline) executorFor(concurrency int) *executor.Executor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exec == nil || p.exec.Concurrency() != concurrency {
		p.exec = executor.New(executor.Config{
			Concurrency: concurrency,
			Retry:       resilience.FromRetryConfig(p.cfg.Batch.MaxAttempts, p.cfg.Batch.InitialBackoffMs, p.cfg.Batch.MaxBackoffMs),
			RatePerSec:  p.cfg.Batch.RatePerSec,
			BatchDelay:  time.Duration(p.cfg.Batch.BatchDelayMs) * time.Millisecond,
		})
	}
	return p.exec
}

func (p *Pipeline) withDefaults(opts Options) Options {
	if opts.Limit <= 0 {
		opts.Limit = p.cfg.Batch.Limit
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = p.cfg.Batch.Concurrency
	}
	if opts.Mode == "" {
		opts.Mode = model.ModeBalanced
	}
	return opts
}

// Run executes one pass: Phase 1 on pending items, chain scoring for the
// conversations they belong to, routing, Phase 2, routing, Phase 3 and a
// final routing. The summary is returned even when err is non-nil. A store
// write that fails after retries aborts the run; per-item phase failures
// never do.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*model.RunSummary, error) {
	opts = p.withDefaults(opts)
	mode, err := p.cfg.Profile(string(opts.Mode))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: resolve mode")
	}
	p2, p3 := ProfilesFor(mode)

	r := &batchRun{
		p:       p,
		opts:    opts,
		exec:    p.executorFor(opts.Concurrency),
		summary: model.NewRunSummary(uuid.NewString(), opts.Mode),
		chains:  make(map[string]*chainState),
		touched: make(map[string]bool),
	}
	r.log = zap.L().With(zap.String("run_id", r.summary.RunID), zap.String("mode", string(opts.Mode)))
	r.log.Info("pipeline: starting run",
		zap.Int("limit", opts.Limit),
		zap.Int("concurrency", opts.Concurrency),
		zap.Bool("skip_cache", opts.SkipCache),
		zap.Bool("retry", opts.Retry),
	)

	phase2 := NewPhase2Engine(p.endpoint, p2, p.costCalc)
	phase3 := NewPhase3Engine(p.endpoint, p3, p.costCalc)
	stages := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"phase1", r.runPhase1},
		{"chains", r.rescoreTouched},
		{"route", r.route},
		{"phase2", func(ctx context.Context) error { return r.runModelPhase(ctx, phase2) }},
		{"route", r.route},
		{"phase3", func(ctx context.Context) error { return r.runModelPhase(ctx, phase3) }},
		{"route", r.route},
	}

	start := time.Now()
	for _, stage := range stages {
		if err = ctx.Err(); err != nil {
			err = eris.Wrapf(err, "pipeline: interrupted before %s", stage.name)
			break
		}
		if err = stage.fn(ctx); err != nil {
			break
		}
	}
	r.summary.Elapsed = time.Since(start)

	fields := []zap.Field{
		zap.Int("processed", r.summary.Processed()),
		zap.Int("rerouted", r.summary.Rerouted),
		zap.Int("escalated", r.summary.Escalated),
		zap.Int("terminal", r.summary.Terminal),
		zap.Float64("cost_usd", r.summary.CostUSD),
		zap.Duration("elapsed", r.summary.Elapsed),
		zap.Float64("items_per_sec", r.summary.Throughput()),
	}
	if err != nil {
		r.log.Error("pipeline: run stopped", append(fields, zap.Error(err))...)
		return r.summary, err
	}
	r.log.Info("pipeline: run complete", fields...)
	return r.summary, nil
}

// chainState is the per-run view of one conversation.
type chainState struct {
	score   model.ChainScore
	members []model.Item
	rep     string
}

// batchRun holds the state of a single Run.
type batchRun struct {
	p    *Pipeline
	opts Options
	exec *executor.Executor
	log  *zap.Logger

	mu      sync.Mutex
	summary *model.RunSummary

	chains  map[string]*chainState
	touched map[string]bool
	order   []*model.Item
}

func (r *batchRun) runPhase1(ctx context.Context) error {
	statuses := []model.Status{model.StatusPending}
	if r.opts.Retry {
		statuses = append(statuses, model.StatusPhase1Failed)
	}
	items, err := r.p.store.ListItems(ctx, store.ItemFilter{Statuses: statuses, Limit: r.opts.Limit})
	if err != nil {
		return eris.Wrap(err, "pipeline: list phase1 items")
	}

	counts := r.summary.Phases[model.Phase1]
	for i := range items {
		it := &items[i]
		start := time.Now()
		res := AnalyzePhase1(it)
		res.DurationMs = time.Since(start).Milliseconds()

		ok, err := r.persist(ctx, it, model.Phase1, res)
		if err != nil {
			return err
		}
		if !ok {
			counts.Skipped++
			continue
		}
		counts.Succeeded++
		if key := it.ConversationKey(); !r.touched[key] {
			r.touched[key] = true
			r.order = append(r.order, it)
		}
	}
	return nil
}

// rescoreTouched scores every conversation that gained a Phase 1 result in
// this run before any of its members is routed.
func (r *batchRun) rescoreTouched(ctx context.Context) error {
	for _, it := range r.order {
		if _, err := r.loadChain(ctx, it); err != nil {
			return err
		}
	}
	return nil
}

// loadChain returns the chain of it, memoized per run. The stored score is
// reused while every member carries one computed from the current member
// count; otherwise the chain is rescored, persisted, and members already
// routed done are re-routed against the new score.
func (r *batchRun) loadChain(ctx context.Context, it *model.Item) (*chainState, error) {
	key := it.ConversationKey()
	if cs, ok := r.chains[key]; ok {
		return cs, nil
	}

	members := []model.Item{*it}
	if it.ConversationID != "" {
		m, err := r.p.store.GetChainMembers(ctx, it.ConversationID)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: chain members of %s", it.ConversationID)
		}
		if len(m) > 0 {
			members = m
		}
	}

	cs := &chainState{members: members, rep: Representative(members)}
	if stored, ok := currentScore(members); ok {
		cs.score = stored
		r.chains[key] = cs
		return cs, nil
	}

	cs.score = r.p.chains.Score(members)
	var stale []string
	for _, m := range members {
		if m.Chain == nil || *m.Chain != cs.score {
			stale = append(stale, m.ID)
		}
	}
	if err := r.write(ctx, "chain_score", key, func(ctx context.Context) error {
		return r.p.store.UpdateChainScore(ctx, stale, cs.score)
	}); err != nil && !errors.Is(err, errStale) {
		return nil, err
	}

	for i := range members {
		m := &members[i]
		if m.Route != model.RouteDone || m.Chain == nil || m.Chain.Size == cs.score.Size {
			continue
		}
		if err := r.reroute(ctx, m, cs); err != nil {
			return nil, err
		}
	}

	r.chains[key] = cs
	return cs, nil
}

// currentScore returns the stored chain score when every member carries the
// same score computed from the current member count.
func currentScore(members []model.Item) (model.ChainScore, bool) {
	first := members[0].Chain
	if first == nil || first.Size != len(members) {
		return model.ChainScore{}, false
	}
	for _, m := range members[1:] {
		if m.Chain == nil || *m.Chain != *first {
			return model.ChainScore{}, false
		}
	}
	return *first, true
}

// reroute re-opens a terminal member whose chain changed size. It is the
// only path that moves an item off route done.
func (r *batchRun) reroute(ctx context.Context, m *model.Item, cs *chainState) error {
	prevSize := m.Chain.Size
	d := r.p.router.Next(m, cs.score, m.ID == cs.rep)
	if d.Route == model.RouteDone || d.Route == m.Route {
		return nil
	}
	if err := r.write(ctx, "route", m.ID, func(ctx context.Context) error {
		return r.p.store.UpdateItemRoute(ctx, m.ID, d.Route)
	}); err != nil {
		if errors.Is(err, errStale) {
			return nil
		}
		return err
	}
	m.Route = d.Route

	r.mu.Lock()
	r.summary.Rerouted++
	r.mu.Unlock()
	r.log.Info("pipeline: re-routed after chain change",
		zap.String("item_id", m.ID),
		zap.String("conversation_id", m.ConversationID),
		zap.Int("previous_chain_size", prevSize),
		zap.Int("chain_size", cs.score.Size),
		zap.String("status", string(m.Status)),
		zap.String("route", string(d.Route)),
		zap.String("reason", d.Reason),
	)
	return nil
}

// route assigns the next phase to every completed item that has none.
func (r *batchRun) route(ctx context.Context) error {
	filter := store.ItemFilter{
		Statuses: []model.Status{model.StatusPhase1Complete, model.StatusPhase2Complete, model.StatusPhase3Complete},
		Routes:   []model.Route{model.RouteUnrouted},
		Limit:    r.opts.Limit,
	}
	for {
		items, err := r.p.store.ListItems(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "pipeline: list unrouted items")
		}
		routed := 0
		for i := range items {
			ok, err := r.routeItem(ctx, &items[i])
			if err != nil {
				return err
			}
			if ok {
				routed++
			}
		}
		// A pass that routed nothing would list the same stale page again.
		if len(items) < filter.Limit || routed == 0 {
			return nil
		}
	}
}

// routeItem reports whether the item's route was written. A stale write
// leaves the item for the next run.
func (r *batchRun) routeItem(ctx context.Context, it *model.Item) (bool, error) {
	cs, err := r.loadChain(ctx, it)
	if err != nil {
		return false, err
	}
	d := r.p.router.Next(it, cs.score, it.ID == cs.rep)
	if err := r.write(ctx, "route", it.ID, func(ctx context.Context) error {
		return r.p.store.UpdateItemRoute(ctx, it.ID, d.Route)
	}); err != nil {
		if errors.Is(err, errStale) {
			r.log.Debug("pipeline: route skipped, item changed", zap.String("item_id", it.ID))
			return false, nil
		}
		return false, err
	}

	r.mu.Lock()
	switch {
	case d.Forced():
		r.summary.Escalated++
	case d.Route == model.RouteDone:
		r.summary.Terminal++
	}
	r.mu.Unlock()

	if d.Forced() {
		r.log.Info("pipeline: forced escalation to phase3",
			zap.String("item_id", it.ID),
			zap.String("reason", d.Reason),
			zap.Float64("completeness_score", cs.score.Score),
		)
		return true, nil
	}
	r.log.Debug("pipeline: routed",
		zap.String("item_id", it.ID),
		zap.String("status", string(it.Status)),
		zap.String("route", string(d.Route)),
		zap.String("reason", d.Reason),
	)
	return true, nil
}

// cursor returns the items a model phase should process: retries of the
// phase's failures first when enabled, then items routed to it.
func (r *batchRun) cursor(ctx context.Context, phase model.Phase) ([]model.Item, error) {
	var filters []store.ItemFilter
	if r.opts.Retry {
		filters = append(filters, store.ItemFilter{Statuses: []model.Status{model.FailedStatus(phase)}})
	}
	switch phase {
	case model.Phase2:
		filters = append(filters, store.ItemFilter{
			Statuses: []model.Status{model.StatusPhase1Complete},
			Routes:   []model.Route{model.RoutePhase2},
		})
	case model.Phase3:
		filters = append(filters, store.ItemFilter{
			Statuses: []model.Status{model.StatusPhase1Complete, model.StatusPhase2Complete},
			Routes:   []model.Route{model.RoutePhase3, model.RouteEscalate},
		})
	}

	var items []model.Item
	for _, f := range filters {
		remaining := r.opts.Limit - len(items)
		if remaining <= 0 {
			break
		}
		f.Limit = remaining
		batch, err := r.p.store.ListItems(ctx, f)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: list %s items", phase)
		}
		items = append(items, batch...)
	}
	return items, nil
}

func (r *batchRun) runModelPhase(ctx context.Context, engine *ModelEngine) error {
	phase := engine.Phase()
	items, err := r.cursor(ctx, phase)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	counts := r.summary.Phases[phase]
	byID := make(map[string]*model.Item, len(items))
	tasks := make([]executor.Task[*model.PhaseResult], 0, len(items))
	for i := range items {
		it := &items[i]
		key := cache.Fingerprint(it.ContentHash(), phase, engine.ID())

		if !r.opts.SkipCache {
			cached, hit, err := r.p.cache.Get(ctx, key)
			if err != nil {
				r.log.Warn("pipeline: cache lookup failed", zap.String("item_id", it.ID), zap.Error(err))
			}
			if hit {
				ok, err := r.persist(ctx, it, phase, cached)
				if err != nil {
					return err
				}
				if ok {
					counts.Succeeded++
					counts.CacheHits++
				} else {
					counts.Skipped++
				}
				continue
			}
		}

		byID[it.ID] = it
		tasks = append(tasks, executor.Task[*model.PhaseResult]{
			ID:      it.ID,
			Timeout: engine.AttemptTimeout(),
			Run: func(ctx context.Context) (*model.PhaseResult, error) {
				return engine.Analyze(ctx, it)
			},
		})
	}

	_, err = executor.Execute(ctx, r.exec, tasks, func(out executor.Outcome[*model.PhaseResult]) error {
		return r.record(ctx, byID[out.ID], engine, out)
	})
	return err
}

// record persists one executor outcome. Only a store write failure is
// returned; it stops the batch.
func (r *batchRun) record(ctx context.Context, it *model.Item, engine *ModelEngine, out executor.Outcome[*model.PhaseResult]) error {
	phase := engine.Phase()
	counts := r.summary.Phases[phase]

	if out.OK() {
		ok, err := r.persist(ctx, it, phase, out.Value)
		if err != nil {
			return err
		}
		r.mu.Lock()
		if ok {
			counts.Succeeded++
			r.summary.AddUsage(out.Value)
		} else {
			counts.Skipped++
		}
		r.mu.Unlock()

		if ok && cache.Cacheable(out.Value) {
			key := cache.Fingerprint(it.ContentHash(), phase, engine.ID())
			if err := r.p.cache.Put(context.WithoutCancel(ctx), key, out.Value); err != nil {
				r.log.Warn("pipeline: cache store failed", zap.String("item_id", it.ID), zap.Error(err))
			}
		}
		return nil
	}

	if out.Kind == model.FailureCanceled {
		r.mu.Lock()
		counts.Skipped++
		r.mu.Unlock()
		r.log.Info("pipeline: item left for next run",
			zap.String("item_id", it.ID),
			zap.String("phase", phase.String()),
		)
		return nil
	}

	r.log.Warn("pipeline: phase failed",
		zap.String("item_id", it.ID),
		zap.String("phase", phase.String()),
		zap.String("failure_kind", string(out.Kind)),
		zap.Int("attempts", out.Attempts),
		zap.Duration("elapsed", out.Elapsed),
		zap.Error(out.Err),
	)
	reason := fmt.Sprintf("%s after %d attempt(s): %v", out.Kind, out.Attempts, out.Err)
	err := r.write(ctx, "failure", it.ID, func(ctx context.Context) error {
		return r.p.store.RecordFailure(ctx, it.ID, phase, reason)
	})
	skipped := errors.Is(err, errStale)
	if err != nil && !skipped {
		return err
	}

	r.mu.Lock()
	if skipped {
		counts.Skipped++
	} else {
		counts.Failed++
	}
	r.mu.Unlock()
	return nil
}

// errStale marks a write rejected because the item changed underneath the
// run (re-imported or already advanced).
var errStale = eris.New("item changed during run")

// persist writes a phase result. ok is false when the item changed
// underneath the run and the result was discarded.
func (r *batchRun) persist(ctx context.Context, it *model.Item, phase model.Phase, res *model.PhaseResult) (bool, error) {
	err := r.write(ctx, "result", it.ID, func(ctx context.Context) error {
		return r.p.store.UpdateItemPhaseResult(ctx, it.ID, phase, res, model.CompleteStatus(phase))
	})
	if errors.Is(err, errStale) {
		return false, nil
	}
	return err == nil, err
}

// write runs a store write with the bounded store retry budget. The write
// is detached from ctx so work finished before a shutdown is still
// recorded. Not-found and invalid-transition rejections return errStale;
// anything else that survives the retries is a store write failure.
func (r *batchRun) write(ctx context.Context, what, id string, fn func(context.Context) error) error {
	cfg := r.p.storeRetry
	cfg.OnRetry = resilience.RetryLogger("store_write", zap.String("item_id", id), zap.String("write", what))

	_, err := resilience.Do(context.WithoutCancel(ctx), cfg, fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, model.ErrInvalidTransition):
		r.log.Warn("pipeline: write rejected, item changed during run",
			zap.String("item_id", id),
			zap.String("write", what),
			zap.Error(err),
		)
		return eris.Wrap(errStale, err.Error())
	default:
		return resilience.StoreWriteFailure(eris.Wrapf(err, "pipeline: write %s for %s", what, id))
	}
}
