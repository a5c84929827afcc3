package cache

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mail-triage/internal/model"
)

// ResultSource enumerates persisted Phase 2/3 results together with the
// content hash of the item they were computed for.
type ResultSource interface {
	ListPhaseResults(ctx context.Context, fn func(contentHash string, r *model.PhaseResult) error) error
}

// Warm loads every cacheable persisted result into c, keyed by the engine
// that produced it. Returns the number of entries written.
func Warm(ctx context.Context, c Cache, src ResultSource) (int, error) {
	n := 0
	err := src.ListPhaseResults(ctx, func(contentHash string, r *model.PhaseResult) error {
		if !Cacheable(r) || r.Engine == "" {
			return nil
		}
		if err := c.Put(ctx, Fingerprint(contentHash, r.Phase, r.Engine), r); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, eris.Wrap(err, "cache: warm")
	}
	zap.L().Info("cache: warmed from store", zap.Int("entries", n))
	return n, nil
}
