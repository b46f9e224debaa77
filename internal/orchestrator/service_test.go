package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/ai-orchestrator/internal/backend"
	"github.com/sells-group/ai-orchestrator/internal/executor"
	"github.com/sells-group/ai-orchestrator/internal/ledger"
	"github.com/sells-group/ai-orchestrator/internal/metrics"
	"github.com/sells-group/ai-orchestrator/internal/model"
	"github.com/sells-group/ai-orchestrator/internal/policy"
	"github.com/sells-group/ai-orchestrator/internal/registry"
	"github.com/sells-group/ai-orchestrator/internal/resilience"
	"github.com/sells-group/ai-orchestrator/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const owner int64 = 42

// scripted answers per provider name and records the call order.
type scripted struct {
	mu    sync.Mutex
	by    map[string]backend.Func
	calls []string
}

func (s *scripted) Invoke(ctx context.Context, req backend.Request) (*backend.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req.Provider.Name)
	f := s.by[req.Provider.Name]
	s.mu.Unlock()
	if f == nil {
		return nil, errors.New("no script for " + req.Provider.Name)
	}
	return f(ctx, req)
}

func (s *scripted) set(provider string, f backend.Func) {
	s.mu.Lock()
	s.by[provider] = f
	s.mu.Unlock()
}

func (s *scripted) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func answer(confidence, cost float64, output string) backend.Func {
	return func(context.Context, backend.Request) (*backend.Response, error) {
		return &backend.Response{Output: output, Confidence: &confidence, Cost: &cost, LatencyMs: 50}, nil
	}
}

func blockUntilCancelled(ctx context.Context, _ backend.Request) (*backend.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type env struct {
	svc *Service
	st  *store.SQLiteStore
	be  *scripted
}

func prov(name string, priority int, caps ...string) model.Provider {
	if len(caps) == 0 {
		caps = []string{model.CapabilityAny}
	}
	return model.Provider{
		Name:         name,
		DisplayName:  name,
		Kind:         "scripted",
		Priority:     priority,
		Capabilities: caps,
		Status:       model.ProviderActive,
	}
}

func newEnv(t *testing.T, cfg Config, providers ...model.Provider) *env {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))
	for _, p := range providers {
		require.NoError(t, st.UpsertProvider(ctx, p))
	}

	retry := resilience.RetryConfig{MaxAttempts: 1}
	be := &scripted{by: map[string]backend.Func{}}
	set := backend.NewSet()
	set.Register("scripted", be)
	breakers := resilience.NewProviderBreakers(resilience.DefaultBreakerConfig())
	exec := executor.New(set, breakers, nil, st, 200*time.Millisecond)

	pol, err := policy.New(policy.Config{AcceptThreshold: 70, MaxEscalations: 3})
	require.NoError(t, err)

	if cfg.SubmitTimeout == 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}
	svc := New(
		registry.New(st, retry),
		ledger.New(st, retry),
		exec,
		pol,
		metrics.New(st, breakers, retry),
		cfg,
	)
	t.Cleanup(func() { svc.Shutdown(context.Background()) }) //nolint:errcheck
	return &env{svc: svc, st: st, be: be}
}

func (e *env) submit(t *testing.T, input string) *model.TaskExecution {
	t.Helper()
	task, err := e.svc.Submit(context.Background(), SubmitRequest{UserID: owner, Input: input})
	require.NoError(t, err)
	return task
}

// submitFailed submits input and expects the run to end failed.
func (e *env) submitFailed(t *testing.T, input string) *model.TaskExecution {
	t.Helper()
	task, err := e.svc.Submit(context.Background(), SubmitRequest{UserID: owner, Input: input})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindExhausted), err)
	require.NotNil(t, task)
	assert.Same(t, task, model.FailedTask(err))
	return task
}

func assertInvariants(t *testing.T, task *model.TaskExecution) {
	t.Helper()
	require.Equal(t, task.EscalationCount, len(task.Escalations))
	if task.EscalationCount == 0 {
		assert.Equal(t, task.InitialProvider, task.CurrentProvider)
		return
	}
	assert.Equal(t, task.Escalations[len(task.Escalations)-1].ToProvider, task.CurrentProvider)
}

func TestSubmit_LowConfidenceEscalates(t *testing.T) {
	e := newEnv(t, Config{}, prov("a", 10), prov("b", 8))
	e.be.set("a", answer(40, 0.01, "a guess"))
	e.be.set("b", answer(85, 0.04, "a solid answer"))

	task := e.submit(t, "hello, how are you today?")

	assert.Equal(t, model.TaskCompleted, task.Status)
	assert.Equal(t, "a", task.InitialProvider)
	assert.Equal(t, "b", task.CurrentProvider)
	assert.Equal(t, 1, task.EscalationCount)
	assert.Equal(t, "a solid answer", task.Output)
	require.NotNil(t, task.Confidence)
	assert.InDelta(t, 85.0, *task.Confidence, 1e-9)
	assert.InDelta(t, 0.05, task.TotalCost, 1e-9)
	assertInvariants(t, task)

	require.Len(t, task.Escalations, 1)
	h := task.Escalations[0]
	assert.Equal(t, "a", h.FromProvider)
	assert.Equal(t, "b", h.ToProvider)
	assert.Equal(t, model.ReasonLowConfidence, h.Reason)
	assert.Equal(t, "a guess", h.PreviousOutput)
	assert.Equal(t, []string{"a", "b"}, e.be.called())
}

func TestSubmit_TimeoutWithNoCapableFallbackFails(t *testing.T) {
	e := newEnv(t, Config{}, prov("a", 10), prov("vision", 8, "visual_analysis"))
	e.be.set("a", blockUntilCancelled)

	task := e.submitFailed(t, "hello there")

	assert.Equal(t, model.TaskFailed, task.Status)
	assert.Equal(t, 0, task.EscalationCount)
	assert.Empty(t, task.Output)
	assert.Contains(t, task.ErrorMessage, "timeout")
	assert.False(t, task.Cancelled)
	assertInvariants(t, task)
	assert.Equal(t, []string{"a"}, e.be.called())
}

func TestSubmit_FailureEscalatesExactlyOnce(t *testing.T) {
	e := newEnv(t, Config{}, prov("a", 10), prov("b", 8), prov("c", 6))
	e.be.set("a", func(context.Context, backend.Request) (*backend.Response, error) {
		return nil, errors.New("upstream 500")
	})
	e.be.set("b", answer(90, 0.02, "recovered"))

	task := e.submit(t, "hello there")

	assert.Equal(t, model.TaskCompleted, task.Status)
	assert.Equal(t, 1, task.EscalationCount)
	assert.Equal(t, model.ReasonProviderError, task.Escalations[0].Reason)
	assert.Equal(t, []string{"a", "b"}, e.be.called())
	assertInvariants(t, task)
}

func TestSubmit_ExhaustsChain(t *testing.T) {
	e := newEnv(t, Config{}, prov("a", 10), prov("b", 8))
	fail := func(context.Context, backend.Request) (*backend.Response, error) {
		return nil, errors.New("down")
	}
	e.be.set("a", fail)
	e.be.set("b", fail)

	task := e.submitFailed(t, "hello there")

	assert.Equal(t, model.TaskFailed, task.Status)
	assert.Equal(t, 1, task.EscalationCount)
	assert.Contains(t, task.ErrorMessage, "no further provider")
	assertInvariants(t, task)
}

func TestSubmit_RoundTrip(t *testing.T) {
	e := newEnv(t, Config{}, prov("a", 10))
	e.be.set("a", answer(93.5, 0.0123, "exact output"))

	submitted := e.submit(t, "hello there")
	got, err := e.svc.GetTask(context.Background(), owner, submitted.ID)
	require.NoError(t, err)

	assert.Equal(t, "exact output", got.Output)
	require.NotNil(t, got.Confidence)
	assert.InDelta(t, 93.5, *got.Confidence, 1e-9)
	assert.InDelta(t, 0.0123, got.TotalCost, 1e-9)
	assert.Equal(t, model.TaskCompleted, got.Status)
}

func TestSubmit_NoCapableProvider(t *testing.T) {
	e := newEnv(t, Config{}, prov("vision", 10, "visual_analysis"))

	_, err := e.svc.Submit(context.Background(), SubmitRequest{UserID: owner, Input: "hello there"})
	assert.True(t, model.IsKind(err, model.KindNotFound), err)

	page, err := e.svc.ListTasks(context.Background(), owner, model.TaskFilter{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestSubmit_ForceProvider(t *testing.T) {
	off := prov("off", 20)
	off.Status = model.ProviderDisabled
	e := newEnv(t, Config{}, prov("a", 10), prov("b", 8), off)
	e.be.set("b", answer(95, 0, "forced"))

	task, err := e.svc.Submit(context.Background(), SubmitRequest{UserID: owner, Input: "hello there", ForceProvider: "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", task.InitialProvider)
	assert.Equal(t, "forced", task.Output)

	for _, name := range []string{"off", "ghost"} {
		_, err = e.svc.Submit(context.Background(), SubmitRequest{UserID: owner, Input: "hello there", ForceProvider: name})
		assert.True(t, model.IsKind(err, model.KindNotFound), name)
	}
}

func TestSubmit_Invalid(t *testing.T) {
	e := newEnv(t, Config{}, prov("a", 10))
	_, err := e.svc.Submit(context.Background(), SubmitRequest{UserID: owner, Input: "  "})
	assert.True(t, model.IsKind(err, model.KindInvalid))
	_, err = e.svc.Submit(context.Background(), SubmitRequest{Input: "hi"})
	assert.True(t, model.IsKind(err, model.KindInvalid))
}

func TestSubmit_Async(t *testing.T) {
	e := newEnv(t, Config{Async: true}, prov("a", 10))
	release := make(chan struct{})
	e.be.set("a", func(ctx context.Context, req backend.Request) (*backend.Response, error) {
		<-release
		return answer(88, 0, "later")(ctx, req)
	})

	task := e.submit(t, "hello there")
	assert.False(t, task.Status.Terminal())
	assertInvariants(t, task)
	close(release)

	require.Eventually(t, func() bool {
		got, err := e.svc.GetTask(context.Background(), owner, task.ID)
		return err == nil && got.Status == model.TaskCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubmit_SyncTimeoutReturnsSnapshot(t *testing.T) {
	e := newEnv(t, Config{SubmitTimeout: 20 * time.Millisecond}, prov("a", 10))
	release := make(chan struct{})
	e.be.set("a", func(ctx context.Context, req backend.Request) (*backend.Response, error) {
		<-release
		return answer(88, 0, "later")(ctx, req)
	})

	task := e.submit(t, "hello there")
	assert.False(t, task.Status.Terminal())
	close(release)
}

func TestSubmit_CallerGoneReturnsSnapshot(t *testing.T) {
	e := newEnv(t, Config{}, prov("a", 10))
	started := make(chan struct{})
	release := make(chan struct{})
	e.be.set("a", func(ctx context.Context, req backend.Request) (*backend.Response, error) {
		close(started)
		<-release
		return answer(88, 0, "later")(ctx, req)
	})
	e.svc.exec = executor.New(setFor(e.be), nil, nil, e.st, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	task, err := e.svc.Submit(ctx, SubmitRequest{UserID: owner, Input: "hello there"})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, model.TaskProcessing, task.Status)
	assertInvariants(t, task)

	close(release)
	require.Eventually(t, func() bool {
		got, err := e.svc.GetTask(context.Background(), owner, task.ID)
		return err == nil && got.Status == model.TaskCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEscalateManually(t *testing.T) {
	e := newEnv(t, Config{}, prov("a", 10), prov("claude_opus", 2))
	e.be.set("a", answer(90, 0.01, "first"))
	e.be.set("claude_opus", answer(97, 0.2, "second opinion"))

	task := e.submit(t, "hello there")
	require.Equal(t, model.TaskCompleted, task.Status)

	got, err := e.svc.EscalateManually(context.Background(), owner, task.ID, "claude_opus")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, "claude_opus", got.CurrentProvider)
	assert.Equal(t, "second opinion", got.Output)
	assert.Equal(t, 1, got.EscalationCount)
	assertInvariants(t, got)

	h := got.Escalations[0]
	assert.Equal(t, "a", h.FromProvider)
	assert.Equal(t, model.ReasonManualOverride, h.Reason)
	assert.Equal(t, "first", h.PreviousOutput)
}

func TestEscalateManually_FailureIsFinal(t *testing.T) {
	e := newEnv(t, Config{}, prov("a", 10), prov("b", 8), prov("c", 6))
	e.be.set("a", answer(90, 0, "first"))
	e.be.set("c", func(context.Context, backend.Request) (*backend.Response, error) {
		return nil, errors.New("c is down")
	})

	task := e.submit(t, "hello there")
	got, err := e.svc.EscalateManually(context.Background(), owner, task.ID, "c")
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindProviderFailure), err)
	require.NotNil(t, got)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.Equal(t, 1, got.EscalationCount)
	assert.Contains(t, err.Error(), "c is down")
	assertInvariants(t, got)
	// The policy would have moved on to b; a manual run does not.
	assert.Equal(t, []string{"a", "c"}, e.be.called())
}

func TestEscalateManually_Async(t *testing.T) {
	e := newEnv(t, Config{}, prov("a", 10), prov("claude_opus", 2))
	e.be.set("a", answer(90, 0.01, "first"))
	task := e.submit(t, "hello there")
	require.Equal(t, model.TaskCompleted, task.Status)

	e.svc.cfg.Async = true
	release := make(chan struct{})
	e.be.set("claude_opus", func(ctx context.Context, req backend.Request) (*backend.Response, error) {
		<-release
		return answer(97, 0.2, "second opinion")(ctx, req)
	})
	e.svc.exec = executor.New(setFor(e.be), nil, nil, e.st, time.Minute)

	got, err := e.svc.EscalateManually(context.Background(), owner, task.ID, "claude_opus")
	require.NoError(t, err)
	assert.False(t, got.Status.Terminal())
	assert.Equal(t, "claude_opus", got.CurrentProvider)
	assert.Equal(t, 1, got.EscalationCount)
	assertInvariants(t, got)
	assert.Equal(t, model.ReasonManualOverride, got.Escalations[0].Reason)
	close(release)

	require.Eventually(t, func() bool {
		final, err := e.svc.GetTask(context.Background(), owner, task.ID)
		return err == nil && final.Status == model.TaskCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEscalateManually_Rejected(t *testing.T) {
	off := prov("off", 1)
	off.Status = model.ProviderDisabled
	e := newEnv(t, Config{}, prov("a", 10), off)
	e.be.set("a", answer(90, 0, "first"))
	task := e.submit(t, "hello there")
	ctx := context.Background()

	tests := []struct {
		name   string
		user   int64
		target string
		kind   model.ErrorKind
	}{
		{name: "unknown provider", user: owner, target: "ghost", kind: model.KindNotFound},
		{name: "disabled provider", user: owner, target: "off", kind: model.KindNotFound},
		{name: "same provider", user: owner, target: "a", kind: model.KindInvalid},
		{name: "not the owner", user: owner + 1, target: "a", kind: model.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.EscalateManually(ctx, tt.user, task.ID, tt.target)
			assert.True(t, model.IsKind(err, tt.kind), err)
		})
	}

	got, err := e.svc.GetTask(ctx, owner, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, got.Status)
	assert.Equal(t, 0, got.EscalationCount)
	assert.Equal(t, "first", got.Output)
}

func TestCancel_InterruptsProviderCall(t *testing.T) {
	e := newEnv(t, Config{Async: true}, prov("a", 10), prov("b", 8))
	started := make(chan struct{})
	e.be.set("a", func(ctx context.Context, req backend.Request) (*backend.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	// Raise the executor timeout so only the cancellation can end the call.
	e.svc.exec = executor.New(setFor(e.be), nil, nil, e.st, time.Minute)

	task := e.submit(t, "hello there")
	<-started

	got, err := e.svc.Cancel(context.Background(), owner, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.Status)
	assert.True(t, got.Cancelled)
	assertInvariants(t, got)

	require.NoError(t, e.svc.Shutdown(context.Background()))
	final, err := e.svc.GetTask(context.Background(), owner, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, final.Status)
	assert.Equal(t, model.CancelledReason, final.ErrorMessage)
	assert.Equal(t, 0, final.EscalationCount)
	assert.Equal(t, []string{"a"}, e.be.called())

	_, err = e.svc.EscalateManually(context.Background(), owner, task.ID, "b")
	assert.True(t, model.IsKind(err, model.KindConflict))
	_, err = e.svc.Cancel(context.Background(), owner, task.ID)
	assert.True(t, model.IsKind(err, model.KindConflict))
}

func setFor(b backend.Backend) *backend.Set {
	s := backend.NewSet()
	s.Register("scripted", b)
	return s
}

func TestGetTask_OtherUser(t *testing.T) {
	e := newEnv(t, Config{}, prov("a", 10))
	e.be.set("a", answer(90, 0, "x"))
	task := e.submit(t, "hello there")

	_, err := e.svc.GetTask(context.Background(), owner+1, task.ID)
	assert.True(t, model.IsKind(err, model.KindNotFound))

	page, err := e.svc.ListTasks(context.Background(), owner+1, model.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, page.Tasks)
}

func TestGetMetricsAndProviders(t *testing.T) {
	e := newEnv(t, Config{}, prov("a", 10), prov("b", 8))
	e.be.set("a", answer(40, 0.01, "weak"))
	e.be.set("b", answer(80, 0.02, "good"))
	e.submit(t, "hello there")

	report, err := e.svc.GetMetrics(context.Background(), owner, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Totals.Count)
	assert.Equal(t, 1, report.Totals.Completed)
	assert.Equal(t, 1, report.Totals.Escalated)

	views, err := e.svc.GetProvidersStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, int64(1), views[0].TotalRequestsToday)
	assert.Equal(t, int64(1), views[1].TotalRequestsToday)
	assert.Equal(t, "closed", views[0].CircuitState)

	empty, err := e.svc.GetMetrics(context.Background(), owner+1, 30)
	require.NoError(t, err)
	assert.Zero(t, empty.Totals.Count)
}

func TestShutdown_RejectsNewWork(t *testing.T) {
	e := newEnv(t, Config{}, prov("a", 10))
	require.NoError(t, e.svc.Shutdown(context.Background()))

	_, err := e.svc.Submit(context.Background(), SubmitRequest{UserID: owner, Input: "hello there"})
	assert.True(t, model.IsKind(err, model.KindUnavailable), err)
}

func TestConcurrentSubmits(t *testing.T) {
	e := newEnv(t, Config{MaxConcurrent: 2}, prov("a", 10))
	e.be.set("a", answer(90, 0.001, "ok"))

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := e.svc.Submit(context.Background(), SubmitRequest{UserID: owner, Input: "hello there"})
			if assert.NoError(t, err) {
				assert.Equal(t, model.TaskCompleted, task.Status)
			}
		}()
	}
	wg.Wait()

	views, err := e.svc.GetProvidersStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(6), views[0].TotalRequestsToday)
}
