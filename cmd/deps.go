package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mail-triage/internal/cache"
	"github.com/sells-group/mail-triage/internal/inference"
	"github.com/sells-group/mail-triage/internal/resilience"
	"github.com/sells-group/mail-triage/internal/store"
	"github.com/sells-group/mail-triage/pkg/anthropic"
	"github.com/sells-group/mail-triage/pkg/ollama"
)

// initStore opens the configured store and applies its schema.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "triage.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{MaxConns: cfg.Store.MaxConns})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "open %s store", cfg.Store.Driver)
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEndpoint builds the inference provider with a circuit breaker per model.
func initEndpoint() (inference.Endpoint, error) {
	var ep inference.Endpoint
	switch cfg.Inference.Provider {
	case "anthropic":
		if cfg.Anthropic.Key == "" {
			return nil, eris.New("anthropic key is required (TRIAGE_ANTHROPIC_KEY)")
		}
		ep = inference.NewAnthropicEndpoint(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic.CacheTTL)
	case "ollama":
		ep = inference.NewOllamaEndpoint(ollama.NewClient(ollama.WithBaseURL(cfg.Inference.OllamaURL)))
	default:
		return nil, eris.Errorf("unsupported inference provider: %s", cfg.Inference.Provider)
	}

	breakers := resilience.NewServiceBreakers(resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs))
	return inference.Guard(ep, breakers), nil
}

// initCache picks the cache backend: disabled, in-memory, or badger on disk.
func initCache() (cache.Cache, error) {
	switch {
	case !cfg.Cache.Enabled:
		return cache.Nop{}, nil
	case cfg.Cache.Dir == "":
		return cache.NewMemory(), nil
	default:
		b, err := cache.OpenBadger(cfg.Cache.Dir)
		if err != nil {
			return nil, err
		}
		zap.L().Debug("using badger cache", zap.String("dir", cfg.Cache.Dir))
		return b, nil
	}
}
