package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/mail-triage/internal/config"
)

// Checker re-evaluates the funnel on an interval.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
}

// NewChecker creates a background funnel checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{collector: collector, alerter: alerter, interval: interval}
}

// Run checks once immediately, then on every tick until ctx is cancelled.
// report, when non-nil, receives each snapshot and its alerts.
func (c *Checker) Run(ctx context.Context, report func(*FunnelSnapshot, []Alert)) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting funnel checker", zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			log.Info("funnel checker stopped")
			return
		}
		c.check(ctx, log, report)

		select {
		case <-ctx.Done():
			log.Info("funnel checker stopped")
			return
		case <-ticker.C:
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger, report func(*FunnelSnapshot, []Alert)) {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: failed to collect funnel", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if report != nil {
		report(snap, alerts)
	}
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: funnel check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}
