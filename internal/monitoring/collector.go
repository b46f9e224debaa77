package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ai-orchestrator/internal/model"
)

// ProviderHealth is one provider's health over the current UTC day.
type ProviderHealth struct {
	Name         string               `json:"name"`
	Status       model.ProviderStatus `json:"status"`
	Total        int64                `json:"total"`
	Failed       int64                `json:"failed"`
	FailureRate  float64              `json:"failure_rate"`
	CostUSD      float64              `json:"cost_usd"`
	CircuitState string               `json:"circuit_state"`
}

// HealthSnapshot holds a point-in-time view of provider health.
type HealthSnapshot struct {
	Providers    []ProviderHealth `json:"providers"`
	TotalCostUSD float64          `json:"total_cost_usd"`
	Day          string           `json:"day"`
	CollectedAt  time.Time        `json:"collected_at"`
}

// Provider returns the named provider's health, if present.
func (s *HealthSnapshot) Provider(name string) (ProviderHealth, bool) {
	for _, p := range s.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderHealth{}, false
}

// StatusSource supplies provider views with today's counters.
type StatusSource interface {
	ProviderStatusSnapshot(ctx context.Context) ([]model.ProviderStatusView, error)
}

// Collector gathers provider health from the daily counters and breakers.
type Collector struct {
	source StatusSource
	now    func() time.Time
}

// NewCollector creates a new health collector.
func NewCollector(source StatusSource) *Collector {
	return &Collector{source: source, now: func() time.Time { return time.Now().UTC() }}
}

// Collect gathers a snapshot of provider health.
func (c *Collector) Collect(ctx context.Context) (*HealthSnapshot, error) {
	views, err := c.source.ProviderStatusSnapshot(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: provider snapshot")
	}

	now := c.now()
	snap := &HealthSnapshot{
		Providers:   make([]ProviderHealth, 0, len(views)),
		Day:         model.DayKey(now),
		CollectedAt: now,
	}
	for _, v := range views {
		h := ProviderHealth{
			Name:         v.Name,
			Status:       v.Status,
			Total:        v.TotalRequestsToday,
			Failed:       v.FailedRequestsToday,
			CostUSD:      v.CostToday,
			CircuitState: v.CircuitState,
		}
		if h.Total > 0 {
			h.FailureRate = float64(h.Failed) / float64(h.Total)
		}
		snap.TotalCostUSD += h.CostUSD
		snap.Providers = append(snap.Providers, h)
	}
	return snap, nil
}
