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

	"github.com/sells-group/ai-orchestrator/internal/config"
	"github.com/sells-group/ai-orchestrator/internal/model"
	"github.com/sells-group/ai-orchestrator/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertProviderFailureRate AlertType = "provider_failure_rate"
	AlertCircuitOpen         AlertType = "circuit_open"
	AlertCostOverrun         AlertType = "cost_overrun"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Provider  string         `json:"provider,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a HealthSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	retry  resilience.RetryConfig
	client *http.Client
}

// NewAlerter creates a new Alerter. Webhook deliveries are retried on 5xx
// and network errors.
func NewAlerter(cfg config.MonitoringConfig, retry resilience.RetryConfig) *Alerter {
	if retry.Name == "" {
		retry.Name = "alert webhook"
	}
	return &Alerter{
		cfg:    cfg,
		retry:  retry,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// Only active providers are considered for failure-rate and circuit alerts.
func (a *Alerter) Evaluate(snap *HealthSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, p := range snap.Providers {
		if p.Status != model.ProviderActive {
			continue
		}
		if a.overFailureRate(p) {
			alerts = append(alerts, Alert{
				Type:     AlertProviderFailureRate,
				Severity: "high",
				Provider: p.Name,
				Message: fmt.Sprintf(
					"Provider %s failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d calls on %s)",
					p.Name, p.FailureRate*100, a.cfg.FailureRateThreshold*100, p.Failed, p.Total, snap.Day,
				),
				Details: map[string]any{
					"failure_rate": p.FailureRate,
					"threshold":    a.cfg.FailureRateThreshold,
					"failed":       p.Failed,
					"total":        p.Total,
				},
				Timestamp: now,
			})
		}
		if p.CircuitState == resilience.CircuitOpen.String() {
			alerts = append(alerts, Alert{
				Type:      AlertCircuitOpen,
				Severity:  "medium",
				Provider:  p.Name,
				Message:   fmt.Sprintf("Circuit breaker for provider %s is open", p.Name),
				Timestamp: now,
			})
		}
	}

	if a.cfg.CostThresholdUSD > 0 && snap.TotalCostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"Provider cost $%.2f exceeds threshold $%.2f on %s",
				snap.TotalCostUSD, a.cfg.CostThresholdUSD, snap.Day,
			),
			Details: map[string]any{
				"cost_usd":      snap.TotalCostUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
			},
			Timestamp: now,
		})
	}

	return alerts
}

func (a *Alerter) overFailureRate(p ProviderHealth) bool {
	if a.cfg.FailureRateThreshold <= 0 || p.Total == 0 || p.Total < a.cfg.MinRequests {
		return false
	}
	return p.FailureRate > a.cfg.FailureRateThreshold
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		})
		if err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.String("provider", alert.Provider),
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

// sendWebhook posts a single alert to the webhook URL.
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
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
