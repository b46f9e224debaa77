package model

import "time"

// ProviderStatusView is a provider with today's counters.
type ProviderStatusView struct {
	Provider
	TotalRequestsToday      int64   `json:"total_requests_today"`
	SuccessfulRequestsToday int64   `json:"successful_requests_today"`
	FailedRequestsToday     int64   `json:"failed_requests_today"`
	AvgConfidenceToday      float64 `json:"avg_confidence_today"`
	AvgLatencyMsToday       float64 `json:"avg_latency_ms_today"`
	CostToday               float64 `json:"cost_today"`
	CircuitState            string  `json:"circuit_state,omitempty"`
}

// MetricsTotals summarises a user's tasks over a window.
type MetricsTotals struct {
	Count         int     `json:"count"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	Escalated     int     `json:"escalated"`
	AvgConfidence float64 `json:"avg_confidence"`
	AvgLatency    float64 `json:"avg_latency"`
	TotalCost     float64 `json:"total_cost"`
}

// ProviderMetrics groups tasks by the provider that currently holds them.
type ProviderMetrics struct {
	Provider      string  `json:"provider"`
	DisplayName   string  `json:"display_name"`
	TaskCount     int     `json:"task_count"`
	AvgConfidence float64 `json:"avg_confidence"`
	TotalCost     float64 `json:"total_cost"`
}

// DailyMetrics groups tasks by UTC creation day.
type DailyMetrics struct {
	Date          string  `json:"date"`
	Count         int     `json:"count"`
	Completed     int     `json:"completed"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// MetricsReport is the aggregate view over a rolling window.
type MetricsReport struct {
	UserID      int64             `json:"user_id"`
	WindowDays  int               `json:"window_days"`
	Totals      MetricsTotals     `json:"totals"`
	ByProvider  []ProviderMetrics `json:"by_provider"`
	ByDay       []DailyMetrics    `json:"by_day"`
	GeneratedAt time.Time         `json:"generated_at"`
}
