package model

import (
	"slices"
	"time"
)

// ProviderStatus is the administrative state of a provider.
type ProviderStatus string

const (
	ProviderActive   ProviderStatus = "active"
	ProviderDisabled ProviderStatus = "disabled"
)

// Valid reports whether s is a known provider status.
func (s ProviderStatus) Valid() bool {
	return s == ProviderActive || s == ProviderDisabled
}

// CapabilityAny lets a provider serve every task type.
const CapabilityAny = "*"

// Provider is a capability tier that can attempt a task.
type Provider struct {
	Name            string         `json:"name" yaml:"name"`
	DisplayName     string         `json:"display_name" yaml:"display_name"`
	Kind            string         `json:"kind" yaml:"kind"` // anthropic, perplexity, http, subprocess, echo
	Model           string         `json:"model,omitempty" yaml:"model"`
	Endpoint        string         `json:"endpoint,omitempty" yaml:"endpoint"`
	Priority        int            `json:"priority" yaml:"priority"`
	Capabilities    []string       `json:"capabilities" yaml:"capabilities"`
	Status          ProviderStatus `json:"status" yaml:"status"`
	MaxComplexity   float64        `json:"max_complexity,omitempty" yaml:"max_complexity"` // 0 = unbounded
	CostPer1KInput  float64        `json:"cost_per_1k_input" yaml:"cost_per_1k_input"`
	CostPer1KOutput float64        `json:"cost_per_1k_output" yaml:"cost_per_1k_output"`
	RateLimitPerSec float64        `json:"rate_limit_per_sec,omitempty" yaml:"rate_limit_per_sec"` // 0 = unlimited
	CreatedAt       time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt       time.Time      `json:"updated_at" yaml:"-"`
}

// Active reports whether the provider may receive tasks.
func (p Provider) Active() bool {
	return p.Status == ProviderActive
}

// Supports reports whether the provider can serve the given task type.
func (p Provider) Supports(taskType string) bool {
	if taskType == "" {
		return true
	}
	return slices.Contains(p.Capabilities, CapabilityAny) || slices.Contains(p.Capabilities, taskType)
}

// Accepts reports whether the provider supports the task type and its
// complexity ceiling admits the given complexity.
func (p Provider) Accepts(taskType string, complexity float64) bool {
	if !p.Supports(taskType) {
		return false
	}
	return p.MaxComplexity <= 0 || complexity <= p.MaxComplexity
}

// SortProviders orders providers by priority descending, then name ascending.
func SortProviders(providers []Provider) {
	slices.SortStableFunc(providers, func(a, b Provider) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
}

// ProviderDailyMetrics is the per-provider-per-day counter row.
type ProviderDailyMetrics struct {
	Provider      string  `json:"provider"`
	Day           string  `json:"day"` // YYYY-MM-DD, UTC
	Total         int64   `json:"total_requests"`
	Succeeded     int64   `json:"successful_requests"`
	Failed        int64   `json:"failed_requests"`
	ConfidenceSum float64 `json:"-"`
	LatencyMsSum  int64   `json:"-"`
	CostSum       float64 `json:"total_cost"`
}

// AvgConfidence is the mean confidence over successful requests.
func (m ProviderDailyMetrics) AvgConfidence() float64 {
	if m.Succeeded == 0 {
		return 0
	}
	return m.ConfidenceSum / float64(m.Succeeded)
}

// AvgLatencyMs is the mean latency over all requests.
func (m ProviderDailyMetrics) AvgLatencyMs() float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.LatencyMsSum) / float64(m.Total)
}

// MetricsDelta is one executor call's contribution to a daily counter row.
type MetricsDelta struct {
	Succeeded  bool
	Confidence float64
	LatencyMs  int64
	Cost       float64
}

// DayKey formats t as the UTC day used for counter rows.
func DayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
