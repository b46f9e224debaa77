// Package executor invokes providers on behalf of tasks. It is the only
// component that talks to inference backends.
package executor

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/ai-orchestrator/internal/backend"
	"github.com/sells-group/ai-orchestrator/internal/classify"
	"github.com/sells-group/ai-orchestrator/internal/cost"
	"github.com/sells-group/ai-orchestrator/internal/model"
	"github.com/sells-group/ai-orchestrator/internal/resilience"
)

// DefaultTimeout bounds a provider call when no timeout is configured.
const DefaultTimeout = 120 * time.Second

// metricsTimeout bounds the counter write that follows every call.
const metricsTimeout = 5 * time.Second

// Resolver finds the backend serving a provider.
type Resolver interface {
	For(p model.Provider) (backend.Backend, error)
}

// MetricsRecorder receives one counter increment per completed call.
type MetricsRecorder interface {
	IncrementProviderMetrics(ctx context.Context, provider, day string, d model.MetricsDelta) error
}

// Call is the task-side input of one provider invocation.
type Call struct {
	TaskID     string
	Input      string
	UserID     int64
	Context    map[string]any
	Complexity float64
}

// Executor runs single provider calls with a bounded wait, a per-provider
// circuit breaker and an optional per-provider rate limit.
type Executor struct {
	backends Resolver
	breakers *resilience.ProviderBreakers
	costs    *cost.Calculator
	metrics  MetricsRecorder
	timeout  time.Duration
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates an Executor. A nil breakers set disables circuit breaking and a
// nil costs calculator prices every call from the provider row.
func New(backends Resolver, breakers *resilience.ProviderBreakers, costs *cost.Calculator, metrics MetricsRecorder, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if costs == nil {
		costs = cost.NewCalculator(nil)
	}
	return &Executor{
		backends: backends,
		breakers: breakers,
		costs:    costs,
		metrics:  metrics,
		timeout:  timeout,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Breakers returns the breaker set shared with status readers.
func (e *Executor) Breakers() *resilience.ProviderBreakers {
	return e.breakers
}

// Execute invokes p once. It never returns an error: every way a call can go
// wrong is reported as a failed Outcome.
func (e *Executor) Execute(ctx context.Context, call Call, p model.Provider) model.Outcome {
	log := zap.L().With(
		zap.String("task_id", call.TaskID),
		zap.String("provider", p.Name),
	)

	if err := ctx.Err(); err != nil {
		return model.Fail(p.Name, model.FailureCancelled, "task cancelled before provider call", 0)
	}

	b, err := e.backends.For(p)
	if err != nil {
		log.Warn("executor: no backend for provider", zap.String("kind", p.Kind), zap.Error(err))
		return model.Fail(p.Name, model.FailureUnsupported, err.Error(), 0)
	}

	if lim := e.limiterFor(p); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return model.Fail(p.Name, model.FailureCancelled, "task cancelled while rate limited", 0)
			}
			return model.Fail(p.Name, model.FailureTimeout, "rate limit wait exceeds deadline: "+err.Error(), 0)
		}
	}

	var breaker *resilience.Breaker
	if e.breakers != nil {
		breaker = e.breakers.Get(p.Name)
		if err := breaker.Allow(); err != nil {
			log.Info("executor: circuit open, skipping provider")
			return model.Fail(p.Name, model.FailureCircuitOpen, err.Error(), 0)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := e.now()
	resp, err := b.Invoke(callCtx, backend.Request{
		TaskID:     call.TaskID,
		Input:      call.Input,
		UserID:     call.UserID,
		Context:    call.Context,
		Provider:   p,
		Complexity: call.Complexity,
	})
	elapsed := e.now().Sub(start).Milliseconds()

	if err != nil {
		out := e.failure(ctx, callCtx, p, err, elapsed)
		if out.Failure.Kind == model.FailureCancelled {
			if breaker != nil {
				breaker.Release()
			}
		} else {
			if breaker != nil {
				breaker.Record(true)
			}
			e.record(ctx, log, p.Name, model.MetricsDelta{LatencyMs: elapsed})
		}
		log.Warn("executor: provider call failed",
			zap.String("failure", string(out.Failure.Kind)),
			zap.Int64("latency_ms", elapsed),
			zap.Error(err),
		)
		return out
	}
	if breaker != nil {
		breaker.Record(false)
	}

	res := e.result(call, p, resp, elapsed)
	e.record(ctx, log, p.Name, model.MetricsDelta{
		Succeeded:  true,
		Confidence: res.Confidence,
		LatencyMs:  res.LatencyMs,
		Cost:       res.Cost,
	})
	log.Info("executor: provider call succeeded",
		zap.Float64("confidence", res.Confidence),
		zap.Float64("cost", res.Cost),
		zap.Int64("latency_ms", res.LatencyMs),
		zap.Int64("input_tokens", res.InputTokens),
		zap.Int64("output_tokens", res.OutputTokens),
	)
	return model.Succeed(p.Name, res)
}

// failure maps an Invoke error to a failed outcome.
func (e *Executor) failure(parent, callCtx context.Context, p model.Provider, err error, elapsed int64) model.Outcome {
	switch {
	case parent.Err() != nil:
		return model.Fail(p.Name, model.FailureCancelled, "task cancelled during provider call", elapsed)
	case errors.Is(callCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return model.Fail(p.Name, model.FailureTimeout, "provider call exceeded "+e.timeout.String(), elapsed)
	case backend.IsMalformed(err):
		return model.Fail(p.Name, model.FailureMalformed, err.Error(), elapsed)
	default:
		return model.Fail(p.Name, model.FailureBackend, err.Error(), elapsed)
	}
}

// result fills in what the backend did not report: heuristic confidence,
// estimated tokens, token-priced cost and measured latency.
func (e *Executor) result(call Call, p model.Provider, resp *backend.Response, elapsed int64) model.ExecutionResult {
	res := model.ExecutionResult{
		Output:       strings.TrimSpace(resp.Output),
		LatencyMs:    resp.LatencyMs,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}
	if res.LatencyMs <= 0 {
		res.LatencyMs = elapsed
	}
	if res.InputTokens == 0 {
		res.InputTokens = cost.EstimateTokens(call.Input)
	}
	if res.OutputTokens == 0 {
		res.OutputTokens = cost.EstimateTokens(res.Output)
	}

	if resp.Confidence != nil {
		res.Confidence = *resp.Confidence
	} else {
		res.Confidence = classify.EvaluateConfidence(res.Output, call.Complexity)
	}
	if resp.Cost != nil {
		res.Cost = cost.Round(*resp.Cost)
	} else {
		res.Cost = e.costs.Tokens(p, res.InputTokens, res.OutputTokens)
	}
	return res
}

// record writes the call's counter increment. The write outlives a cancelled
// task context so a call that reached the provider is always counted.
func (e *Executor) record(ctx context.Context, log *zap.Logger, provider string, d model.MetricsDelta) {
	if e.metrics == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsTimeout)
	defer cancel()
	if err := e.metrics.IncrementProviderMetrics(wctx, provider, model.DayKey(e.now()), d); err != nil {
		log.Error("executor: failed to record provider metrics", zap.Error(err))
	}
}

// limiterFor returns the provider's limiter, or nil when it is unlimited.
// A changed rate on the provider row is applied to the existing limiter.
func (e *Executor) limiterFor(p model.Provider) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()

	lim, ok := e.limiters[p.Name]
	if p.RateLimitPerSec <= 0 {
		if ok {
			delete(e.limiters, p.Name)
		}
		return nil
	}
	limit := rate.Limit(p.RateLimitPerSec)
	if !ok {
		lim = rate.NewLimiter(limit, burstFor(p.RateLimitPerSec))
		e.limiters[p.Name] = lim
		return lim
	}
	if lim.Limit() != limit {
		lim.SetLimit(limit)
		lim.SetBurst(burstFor(p.RateLimitPerSec))
	}
	return lim
}

func burstFor(perSec float64) int {
	return max(1, int(math.Ceil(perSec)))
}
