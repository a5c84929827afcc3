package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mail-triage/internal/config"
	"github.com/sells-group/mail-triage/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate AlertType = "failure_rate"
	AlertPhase3Ratio AlertType = "phase3_ratio"
)

// minSample is the number of analyzed items below which no ratio alerts.
const minSample = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a FunnelSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *FunnelSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	analyzed := snap.Analyzed()
	if analyzed < minSample {
		return nil
	}

	if a.cfg.FailureRateThreshold > 0 && snap.FailureRate() > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Phase failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d analyzed)",
				snap.FailureRate()*100, a.cfg.FailureRateThreshold*100, snap.Failed, analyzed,
			),
			Details: map[string]any{
				"failure_rate": snap.FailureRate(),
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.Failed,
				"analyzed":     analyzed,
			},
			Timestamp: now,
		})
	}

	if a.cfg.MaxPhase3Ratio > 0 && snap.Phase3Ratio() > a.cfg.MaxPhase3Ratio {
		alerts = append(alerts, Alert{
			Type:     AlertPhase3Ratio,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%.1f%% of analyzed items reached phase 3, above the %.1f%% budget (%d escalated)",
				snap.Phase3Ratio()*100, a.cfg.MaxPhase3Ratio*100, snap.Escalated,
			),
			Details: map[string]any{
				"phase3_ratio": snap.Phase3Ratio(),
				"threshold":    a.cfg.MaxPhase3Ratio,
				"phase3":       snap.Reached[model.Phase3],
				"escalated":    snap.Escalated,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
