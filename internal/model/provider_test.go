package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProviderSupports(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		caps     []string
		taskType string
		want     bool
	}{
		{"wildcard", []string{"*"}, "code_complex", true},
		{"listed", []string{"chat", "general"}, "chat", true},
		{"unlisted", []string{"chat"}, "visual_analysis", false},
		{"empty type", []string{"chat"}, "", true},
		{"no caps", nil, "chat", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := Provider{Capabilities: tt.caps}
			assert.Equal(t, tt.want, p.Supports(tt.taskType))
		})
	}
}

func TestProviderAccepts(t *testing.T) {
	t.Parallel()

	p := Provider{Capabilities: []string{"*"}, MaxComplexity: 50}
	assert.True(t, p.Accepts("chat", 50))
	assert.False(t, p.Accepts("chat", 51))

	unbounded := Provider{Capabilities: []string{"*"}}
	assert.True(t, unbounded.Accepts("chat", 100))
}

func TestSortProviders(t *testing.T) {
	t.Parallel()

	ps := []Provider{
		{Name: "b", Priority: 5},
		{Name: "c", Priority: 10},
		{Name: "a", Priority: 5},
		{Name: "d", Priority: 1},
	}
	SortProviders(ps)

	var names []string
	for _, p := range ps {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"c", "a", "b", "d"}, names)
}

func TestProviderDailyMetricsAverages(t *testing.T) {
	t.Parallel()

	m := ProviderDailyMetrics{Total: 4, Succeeded: 2, ConfidenceSum: 150, LatencyMsSum: 400}
	assert.InDelta(t, 75.0, m.AvgConfidence(), 0.001)
	assert.InDelta(t, 100.0, m.AvgLatencyMs(), 0.001)

	var zero ProviderDailyMetrics
	assert.Zero(t, zero.AvgConfidence())
	assert.Zero(t, zero.AvgLatencyMs())
}

func TestDayKey(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("x", -5*3600)
	ts := time.Date(2026, 3, 1, 22, 0, 0, 0, loc)
	assert.Equal(t, "2026-03-02", DayKey(ts))
}

func TestEscalationReasonValid(t *testing.T) {
	t.Parallel()

	assert.True(t, ReasonProviderError.Valid())
	assert.True(t, ReasonLowConfidence.Valid())
	assert.True(t, ReasonManualOverride.Valid())
	assert.False(t, EscalationReason("timeout").Valid())
	assert.Equal(t, "manual escalation", ReasonManualOverride.Label())
}

func TestOutcome(t *testing.T) {
	t.Parallel()

	ok := Succeed("p1", ExecutionResult{Confidence: 90, LatencyMs: 12})
	assert.True(t, ok.Succeeded())
	assert.Equal(t, int64(12), ok.LatencyMs)

	bad := Fail("p1", FailureTimeout, "deadline", 30)
	assert.False(t, bad.Succeeded())
	assert.Equal(t, "timeout: deadline", bad.Failure.Error())
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	err := NotFoundf("task %s not found", "x")
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, "task x not found", err.Error())

	wrapped := Classify(errors.New("connection refused"), "get task")
	assert.True(t, IsKind(wrapped, KindUnavailable))
	assert.Contains(t, wrapped.Error(), "connection refused")

	assert.Same(t, err, Classify(err, "ignored"))
	assert.NoError(t, Classify(nil, "ignored"))
	assert.False(t, IsKind(nil, KindNotFound))
}
