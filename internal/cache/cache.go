// Package cache stores Phase 2 and Phase 3 results by fingerprint so that
// unchanged items are never sent to a model twice.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mail-triage/internal/model"
)

const keyPrefix = "analysis/v1/"

// Key is a result fingerprint.
type Key string

// Fingerprint derives the cache key for an item's content analysed by the
// given phase and engine.
func Fingerprint(contentHash string, phase model.Phase, engine string) Key {
	h := sha256.New()
	fmt.Fprintf(h, "%s\t%d\t%s\n", contentHash, phase, engine)
	return Key(keyPrefix + hex.EncodeToString(h.Sum(nil)))
}

// Cache is a fingerprint-keyed result store. Get reports a miss with
// (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key Key) (*model.PhaseResult, bool, error)
	Put(ctx context.Context, key Key, r *model.PhaseResult) error
	Close() error
}

// Cacheable reports whether r may be stored. Phase 1 is never cached and a
// result produced by a fallback model is not a valid answer for the primary
// engine's fingerprint.
func Cacheable(r *model.PhaseResult) bool {
	if r == nil || r.FallbackUsed {
		return false
	}
	return r.Phase == model.Phase2 || r.Phase == model.Phase3
}

var lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "triage",
	Subsystem: "cache",
	Name:      "lookups_total",
	Help:      "Analysis cache lookups by backend and result",
}, []string{"backend", "result"})

func recordLookup(backend string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	lookupsTotal.WithLabelValues(backend, result).Inc()
}

func encode(r *model.PhaseResult) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, eris.Wrap(err, "cache: encode result")
	}
	return raw, nil
}

func decode(raw []byte) (*model.PhaseResult, error) {
	var r model.PhaseResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, eris.Wrap(err, "cache: decode result")
	}
	return &r, nil
}
