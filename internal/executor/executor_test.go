package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/ai-orchestrator/internal/backend"
	"github.com/sells-group/ai-orchestrator/internal/cost"
	"github.com/sells-group/ai-orchestrator/internal/model"
	"github.com/sells-group/ai-orchestrator/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type recordedDelta struct {
	provider string
	day      string
	delta    model.MetricsDelta
}

type fakeMetrics struct {
	mu     sync.Mutex
	deltas []recordedDelta
	err    error
}

func (f *fakeMetrics) IncrementProviderMetrics(_ context.Context, provider, day string, d model.MetricsDelta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, recordedDelta{provider: provider, day: day, delta: d})
	return f.err
}

func (f *fakeMetrics) recorded() []recordedDelta {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedDelta(nil), f.deltas...)
}

func testProvider() model.Provider {
	return model.Provider{
		Name:            "fast",
		Kind:            "fake",
		Priority:        10,
		Status:          model.ProviderActive,
		CostPer1KInput:  1.0,
		CostPer1KOutput: 2.0,
	}
}

func testCall() Call {
	return Call{TaskID: "t-1", Input: "what is the capital of france", UserID: 7, Complexity: 30}
}

func newTestExecutor(b backend.Backend, breakers *resilience.ProviderBreakers, m MetricsRecorder, timeout time.Duration) *Executor {
	set := backend.NewSet()
	set.Register("fake", b)
	return New(set, breakers, nil, m, timeout)
}

func TestExecute_BackendReportedValues(t *testing.T) {
	m := &fakeMetrics{}
	conf, usd := 88.0, 0.123456
	ex := newTestExecutor(backend.Func(func(_ context.Context, req backend.Request) (*backend.Response, error) {
		assert.Equal(t, "t-1", req.TaskID)
		assert.Equal(t, int64(7), req.UserID)
		assert.Equal(t, "fast", req.Provider.Name)
		return &backend.Response{
			Output:       "  Paris  ",
			Confidence:   &conf,
			Cost:         &usd,
			LatencyMs:    250,
			InputTokens:  10,
			OutputTokens: 2,
		}, nil
	}), nil, m, time.Second)

	out := ex.Execute(context.Background(), testCall(), testProvider())
	require.True(t, out.Succeeded(), out.Failure)
	assert.Equal(t, "fast", out.Provider)
	assert.Equal(t, "Paris", out.Result.Output)
	assert.InDelta(t, 88.0, out.Result.Confidence, 0.001)
	assert.InDelta(t, 0.1235, out.Result.Cost, 1e-9)
	assert.Equal(t, int64(250), out.Result.LatencyMs)
	assert.Equal(t, int64(250), out.LatencyMs)

	rec := m.recorded()
	require.Len(t, rec, 1)
	assert.Equal(t, "fast", rec[0].provider)
	assert.Equal(t, model.DayKey(time.Now()), rec[0].day)
	assert.True(t, rec[0].delta.Succeeded)
	assert.InDelta(t, 88.0, rec[0].delta.Confidence, 0.001)
	assert.InDelta(t, 0.1235, rec[0].delta.Cost, 1e-9)
}

func TestExecute_FillsMissingValues(t *testing.T) {
	output := "Paris is the capital of France and has been for many centuries."
	ex := newTestExecutor(backend.Func(func(context.Context, backend.Request) (*backend.Response, error) {
		return &backend.Response{Output: output, InputTokens: 1000, OutputTokens: 500}, nil
	}), nil, nil, time.Second)

	out := ex.Execute(context.Background(), testCall(), testProvider())
	require.True(t, out.Succeeded())
	// Base heuristic score for a long, certain answer at low complexity.
	assert.InDelta(t, 80.0, out.Result.Confidence, 0.001)
	// 1000 in at $1/1k + 500 out at $2/1k.
	assert.InDelta(t, 2.0, out.Result.Cost, 1e-9)
	assert.GreaterOrEqual(t, out.Result.LatencyMs, int64(0))
}

func TestExecute_EstimatesTokensAndUsesPricingOverride(t *testing.T) {
	ex := newTestExecutor(backend.Func(func(context.Context, backend.Request) (*backend.Response, error) {
		return &backend.Response{Output: "abcdefgh"}, nil
	}), nil, nil, time.Second)
	ex.costs = cost.NewCalculator(map[string]cost.Rate{"fast": {Input: 10, Output: 10}})

	call := testCall()
	call.Input = "abcdefghijkl"
	out := ex.Execute(context.Background(), call, testProvider())
	require.True(t, out.Succeeded())
	assert.Equal(t, int64(3), out.Result.InputTokens)
	assert.Equal(t, int64(2), out.Result.OutputTokens)
	assert.InDelta(t, 0.05, out.Result.Cost, 1e-9)
}

func TestExecute_Failures(t *testing.T) {
	tests := []struct {
		name     string
		invoke   backend.Func
		wantKind model.FailureKind
	}{
		{
			name: "timeout",
			invoke: func(ctx context.Context, _ backend.Request) (*backend.Response, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			wantKind: model.FailureTimeout,
		},
		{
			name: "malformed",
			invoke: func(context.Context, backend.Request) (*backend.Response, error) {
				return nil, &backend.MalformedError{Backend: "subprocess", Reason: "no JSON object on stdout"}
			},
			wantKind: model.FailureMalformed,
		},
		{
			name: "backend error",
			invoke: func(context.Context, backend.Request) (*backend.Response, error) {
				return nil, errors.New("connection refused")
			},
			wantKind: model.FailureBackend,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeMetrics{}
			ex := newTestExecutor(tt.invoke, nil, m, 50*time.Millisecond)

			out := ex.Execute(context.Background(), testCall(), testProvider())
			require.False(t, out.Succeeded())
			assert.Nil(t, out.Result)
			assert.Equal(t, tt.wantKind, out.Failure.Kind)

			rec := m.recorded()
			require.Len(t, rec, 1)
			assert.False(t, rec[0].delta.Succeeded)
		})
	}
}

func TestExecute_UnsupportedKind(t *testing.T) {
	m := &fakeMetrics{}
	ex := New(backend.NewSet(), nil, nil, m, time.Second)

	out := ex.Execute(context.Background(), testCall(), testProvider())
	require.NotNil(t, out.Failure)
	assert.Equal(t, model.FailureUnsupported, out.Failure.Kind)
	assert.Empty(t, m.recorded())
}

func TestExecute_CancelledBeforeCall(t *testing.T) {
	called := false
	ex := newTestExecutor(backend.Func(func(context.Context, backend.Request) (*backend.Response, error) {
		called = true
		return &backend.Response{Output: "x"}, nil
	}), nil, nil, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := ex.Execute(ctx, testCall(), testProvider())
	assert.Equal(t, model.FailureCancelled, out.Failure.Kind)
	assert.False(t, called)
}

func TestExecute_CancelledDuringCallReleasesProbe(t *testing.T) {
	breakers := resilience.NewProviderBreakers(resilience.BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	m := &fakeMetrics{}
	ctx, cancel := context.WithCancel(context.Background())
	ex := newTestExecutor(backend.Func(func(ctx context.Context, _ backend.Request) (*backend.Response, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}), breakers, m, time.Second)

	out := ex.Execute(ctx, testCall(), testProvider())
	assert.Equal(t, model.FailureCancelled, out.Failure.Kind)
	assert.Equal(t, resilience.CircuitClosed, breakers.State("fast"))
	assert.Zero(t, breakers.Get("fast").Failures())
	assert.Empty(t, m.recorded())
}

func TestExecute_CircuitOpensAfterThreshold(t *testing.T) {
	breakers := resilience.NewProviderBreakers(resilience.BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour})
	calls := 0
	ex := newTestExecutor(backend.Func(func(context.Context, backend.Request) (*backend.Response, error) {
		calls++
		return nil, errors.New("503 from upstream")
	}), breakers, nil, time.Second)

	for range 2 {
		out := ex.Execute(context.Background(), testCall(), testProvider())
		assert.Equal(t, model.FailureBackend, out.Failure.Kind)
	}
	assert.Equal(t, resilience.CircuitOpen, breakers.State("fast"))

	out := ex.Execute(context.Background(), testCall(), testProvider())
	assert.Equal(t, model.FailureCircuitOpen, out.Failure.Kind)
	assert.Equal(t, 2, calls)
	assert.Same(t, breakers, ex.Breakers())
}

func TestExecute_SuccessClosesFailureCount(t *testing.T) {
	breakers := resilience.NewProviderBreakers(resilience.BreakerConfig{FailureThreshold: 3, Cooldown: time.Hour})
	fail := true
	ex := newTestExecutor(backend.Func(func(context.Context, backend.Request) (*backend.Response, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return &backend.Response{Output: "ok"}, nil
	}), breakers, nil, time.Second)

	ex.Execute(context.Background(), testCall(), testProvider())
	assert.Equal(t, 1, breakers.Get("fast").Failures())

	fail = false
	out := ex.Execute(context.Background(), testCall(), testProvider())
	assert.True(t, out.Succeeded())
	assert.Zero(t, breakers.Get("fast").Failures())
}

func TestExecute_MetricsErrorDoesNotFailCall(t *testing.T) {
	m := &fakeMetrics{err: errors.New("database is locked")}
	ex := newTestExecutor(backend.Func(func(context.Context, backend.Request) (*backend.Response, error) {
		return &backend.Response{Output: "fine answer that is long enough to avoid the short penalty"}, nil
	}), nil, m, time.Second)

	out := ex.Execute(context.Background(), testCall(), testProvider())
	assert.True(t, out.Succeeded())
	assert.Len(t, m.recorded(), 1)
}

func TestLimiterFor(t *testing.T) {
	ex := New(backend.NewSet(), nil, nil, nil, 0)
	assert.Equal(t, DefaultTimeout, ex.timeout)

	p := testProvider()
	assert.Nil(t, ex.limiterFor(p))

	p.RateLimitPerSec = 2.5
	lim := ex.limiterFor(p)
	require.NotNil(t, lim)
	assert.InDelta(t, 2.5, float64(lim.Limit()), 1e-9)
	assert.Equal(t, 3, lim.Burst())
	assert.Same(t, lim, ex.limiterFor(p))

	p.RateLimitPerSec = 0.5
	same := ex.limiterFor(p)
	assert.Same(t, lim, same)
	assert.InDelta(t, 0.5, float64(same.Limit()), 1e-9)
	assert.Equal(t, 1, same.Burst())

	p.RateLimitPerSec = 0
	assert.Nil(t, ex.limiterFor(p))
}

func TestExecute_RateLimitWaitCancelled(t *testing.T) {
	ex := newTestExecutor(backend.Func(func(context.Context, backend.Request) (*backend.Response, error) {
		return &backend.Response{Output: "x"}, nil
	}), nil, nil, time.Second)

	p := testProvider()
	p.RateLimitPerSec = 0.001
	// Drain the single token.
	first := ex.Execute(context.Background(), testCall(), p)
	require.True(t, first.Succeeded())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := ex.Execute(ctx, testCall(), p)
	require.NotNil(t, out.Failure)
	assert.Equal(t, model.FailureTimeout, out.Failure.Kind)
}
