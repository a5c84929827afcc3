package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mail-triage/internal/cache"
	"github.com/sells-group/mail-triage/internal/model"
	"github.com/sells-group/mail-triage/internal/pipeline"
)

var (
	runLimit       int
	runConcurrency int
	runMode        string
	runSkipCache   bool
	runRetry       bool
	runNoWarm      bool
	runMetricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one batch through all three phases",
	Long: `Runs Phase 1 on pending items, scores their conversation chains, routes,
then runs Phase 2 and Phase 3 on the items routed to them.

Examples:
  # Default batch in balanced mode
  mail-triage run

  # Cheap pass over a large backlog
  mail-triage run --mode speed --limit 1000 --concurrency 8

  # Re-enter the failed phase for items that failed last time
  mail-triage run --retry`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate(); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ep, err := initEndpoint()
		if err != nil {
			return err
		}

		c, err := initCache()
		if err != nil {
			return err
		}
		defer c.Close() //nolint:errcheck

		if !runSkipCache && !runNoWarm {
			if _, err := cache.Warm(ctx, c, st); err != nil {
				zap.L().Warn("cache warm-up failed, continuing cold", zap.Error(err))
			}
		}

		if runMetricsAddr != "" {
			shutdown := serveMetrics(runMetricsAddr)
			defer shutdown()
		}

		p := pipeline.New(cfg, st, ep, c)
		summary, runErr := p.Run(ctx, pipeline.Options{
			Limit:       runLimit,
			Concurrency: runConcurrency,
			Mode:        model.Mode(runMode),
			SkipCache:   runSkipCache,
			Retry:       runRetry,
		})
		if summary != nil {
			zap.L().Info("run complete",
				zap.String("run_id", summary.RunID),
				zap.Int("processed", summary.Processed()),
				zap.Int("terminal", summary.Terminal),
				zap.Float64("items_per_sec", summary.Throughput()),
				zap.Float64("cost_usd", summary.CostUSD),
			)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return eris.Wrap(err, "encode summary")
			}
		}
		if runErr != nil {
			return eris.Wrap(runErr, "pipeline run")
		}
		return nil
	},
}

// serveMetrics exposes the prometheus registry until the returned func is called.
func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		zap.L().Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func init() {
	f := runCmd.Flags()
	f.IntVar(&runLimit, "limit", 0, "max items per phase (0=use batch.limit)")
	f.IntVar(&runConcurrency, "concurrency", 0, "max in-flight model calls (0=use batch.concurrency)")
	f.StringVar(&runMode, "mode", string(model.ModeBalanced), "engine profile: speed, balanced or quality")
	f.BoolVar(&runSkipCache, "skip-cache", false, "bypass cache lookups (fresh results are still cached)")
	f.BoolVar(&runRetry, "retry", false, "re-run the failed phase for items in a failed status")
	f.BoolVar(&runNoWarm, "no-warm", false, "skip rebuilding the cache from stored results")
	f.StringVar(&runMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address during the run")
	rootCmd.AddCommand(runCmd)
}
