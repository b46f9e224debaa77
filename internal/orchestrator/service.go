// Package orchestrator is the boundary other components call: submit a task,
// read it back, list, escalate manually, cancel, and read provider and metrics
// snapshots. Each task's escalation loop runs on a bounded worker.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/ai-orchestrator/internal/classify"
	"github.com/sells-group/ai-orchestrator/internal/executor"
	"github.com/sells-group/ai-orchestrator/internal/ledger"
	"github.com/sells-group/ai-orchestrator/internal/metrics"
	"github.com/sells-group/ai-orchestrator/internal/model"
	"github.com/sells-group/ai-orchestrator/internal/policy"
	"github.com/sells-group/ai-orchestrator/internal/registry"
)

// Executor runs one provider call.
type Executor interface {
	Execute(ctx context.Context, call executor.Call, p model.Provider) model.Outcome
}

// Config controls dispatch.
type Config struct {
	// Async returns from Submit and EscalateManually as soon as the task is
	// persisted. Otherwise the call waits up to SubmitTimeout.
	Async         bool
	SubmitTimeout time.Duration
	MaxConcurrent int
}

// SubmitRequest is a new task from userID.
type SubmitRequest struct {
	UserID        int64          `json:"-"`
	Input         string         `json:"input"`
	Context       map[string]any `json:"context,omitempty"`
	ForceProvider string         `json:"force_provider,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Service implements the orchestration operations.
type Service struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	exec     Executor
	policy   *policy.Policy
	metrics  *metrics.Aggregator
	cfg      Config

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	closed  bool
	running map[string]context.CancelFunc
}

// New creates a Service.
func New(reg *registry.Registry, led *ledger.Ledger, exec Executor, pol *policy.Policy, agg *metrics.Aggregator, cfg Config) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Minute
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		registry: reg,
		ledger:   led,
		exec:     exec,
		policy:   pol,
		metrics:  agg,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		baseCtx:  ctx,
		stop:     stop,
		running:  make(map[string]context.CancelFunc),
	}
}

// Submit classifies the input, picks the first provider, persists the task
// and starts its escalation loop. No task is created when no provider can
// serve it. A task that fails after the chain is exhausted is returned along
// with a KindExhausted error.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*model.TaskExecution, error) {
	if req.UserID <= 0 {
		return nil, model.Invalidf("task owner is required")
	}
	if strings.TrimSpace(req.Input) == "" {
		return nil, model.Invalidf("task input is required")
	}

	taskType, complexity := classify.Analyze(req.Input, req.Context)

	var first *model.Provider
	var err error
	if req.ForceProvider != "" {
		first, err = s.registry.GetActive(ctx, req.ForceProvider)
	} else {
		first, err = s.registry.Select(ctx, taskType, complexity)
	}
	if err != nil {
		return nil, err
	}

	task, err := s.ledger.Create(ctx, model.NewTask{
		UserID:          req.UserID,
		Input:           req.Input,
		Context:         req.Context,
		TaskType:        taskType,
		Complexity:      complexity,
		InitialProvider: first.Name,
		Metadata:        req.Metadata,
	})
	if err != nil {
		return nil, err
	}

	done, err := s.dispatch(task.ID, func(ctx context.Context) { s.run(ctx, task.ID, false) })
	if err != nil {
		if _, ferr := s.ledger.Fail(context.WithoutCancel(ctx), task.ID, err.Error()); ferr != nil {
			zap.L().Error("orchestrator: failed to fail undispatched task", zap.String("task_id", task.ID), zap.Error(ferr))
		}
		return nil, err
	}
	return s.await(ctx, task.ID, done, model.KindExhausted)
}

// GetTask returns one of userID's tasks with its escalation history.
func (s *Service) GetTask(ctx context.Context, userID int64, taskID string) (*model.TaskExecution, error) {
	return s.ledger.GetOwned(ctx, taskID, userID)
}

// ListTasks returns one page of userID's tasks, newest first.
func (s *Service) ListTasks(ctx context.Context, userID int64, filter model.TaskFilter) (*model.TaskPage, error) {
	filter.UserID = userID
	return s.ledger.List(ctx, filter)
}

// EscalateManually re-runs a finished task once against target. The policy
// and the escalation cap are bypassed; the result of that single call is
// final, and a failed call is reported as KindProviderFailure. An unknown or
// disabled target leaves the task untouched.
func (s *Service) EscalateManually(ctx context.Context, userID int64, taskID, target string) (*model.TaskExecution, error) {
	task, err := s.ledger.GetOwned(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	if task.Cancelled {
		return nil, model.Conflictf("task %s was cancelled", taskID)
	}
	if !task.Status.Terminal() {
		return nil, model.Conflictf("task %s is %s; only completed or failed tasks can be escalated", taskID, task.Status)
	}
	p, err := s.registry.GetActive(ctx, target)
	if err != nil {
		return nil, err
	}
	if p.Name == task.CurrentProvider {
		return nil, model.Invalidf("task %s is already on provider %s", taskID, p.Name)
	}

	if _, err := s.ledger.AppendEscalation(ctx, taskID, ledger.Escalation{
		To:     p.Name,
		Reason: model.ReasonManualOverride,
		Detail: "requested by owner",
	}); err != nil {
		return nil, err
	}

	done, err := s.dispatch(taskID, func(ctx context.Context) { s.run(ctx, taskID, true) })
	if err != nil {
		if _, ferr := s.ledger.Fail(context.WithoutCancel(ctx), taskID, err.Error()); ferr != nil {
			zap.L().Error("orchestrator: failed to fail undispatched task", zap.String("task_id", taskID), zap.Error(ferr))
		}
		return nil, err
	}
	return s.await(ctx, taskID, done, model.KindProviderFailure)
}

// Cancel fails a running task and interrupts its in-flight provider call.
func (s *Service) Cancel(ctx context.Context, userID int64, taskID string) (*model.TaskExecution, error) {
	if _, err := s.ledger.GetOwned(ctx, taskID, userID); err != nil {
		return nil, err
	}
	if _, err := s.ledger.Cancel(ctx, taskID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	cancel, ok := s.running[taskID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return s.ledger.Get(context.WithoutCancel(ctx), taskID)
}

// GetProvidersStatus returns every provider with today's counters.
func (s *Service) GetProvidersStatus(ctx context.Context) ([]model.ProviderStatusView, error) {
	return s.metrics.ProviderStatusSnapshot(ctx)
}

// GetMetrics summarises userID's tasks over the last windowDays days.
func (s *Service) GetMetrics(ctx context.Context, userID int64, windowDays int) (*model.MetricsReport, error) {
	return s.metrics.Aggregate(ctx, userID, windowDays)
}

// Shutdown stops accepting work and waits for running loops. When ctx ends
// first, in-flight provider calls are interrupted and their tasks fail.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		s.stop()
		return nil
	case <-ctx.Done():
		zap.L().Warn("orchestrator: shutdown deadline reached, interrupting running tasks")
		s.stop()
		<-idle
		return ctx.Err()
	}
}

// dispatch runs fn on a worker once a slot is free and closes the returned
// channel when fn is done.
func (s *Service) dispatch(taskID string, fn func(ctx context.Context)) (<-chan struct{}, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, model.Unavailable(nil, "orchestrator is shutting down")
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.running[taskID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer s.wg.Done()
		defer close(done)
		defer func() {
			s.mu.Lock()
			delete(s.running, taskID)
			s.mu.Unlock()
			cancel()
		}()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			zap.L().Warn("orchestrator: task not started", zap.String("task_id", taskID), zap.Error(err))
			if _, ferr := s.ledger.Fail(context.WithoutCancel(ctx), taskID, "interrupted before start"); ferr != nil && !model.IsKind(ferr, model.KindConflict) {
				zap.L().Error("orchestrator: failed to fail interrupted task", zap.String("task_id", taskID), zap.Error(ferr))
			}
			return
		}
		defer s.sem.Release(1)
		fn(ctx)
	}()
	return done, nil
}

// await waits for the loop, the submit timeout or the caller, and returns the
// latest snapshot with its history. Async mode skips the wait. A synchronous
// call whose task ended failed returns the task together with a failKind
// error. The task keeps running when the caller goes away.
func (s *Service) await(ctx context.Context, taskID string, done <-chan struct{}, failKind model.ErrorKind) (*model.TaskExecution, error) {
	if s.cfg.Async {
		return s.ledger.Get(ctx, taskID)
	}
	timer := time.NewTimer(s.cfg.SubmitTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		zap.L().Info("orchestrator: submit timeout reached, task continues in background",
			zap.String("task_id", taskID),
		)
	case <-ctx.Done():
		zap.L().Info("orchestrator: caller left, task continues in background",
			zap.String("task_id", taskID),
			zap.Error(ctx.Err()),
		)
	}

	task, err := s.ledger.Get(context.WithoutCancel(ctx), taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == model.TaskFailed && !task.Cancelled {
		return task, model.TaskFailure(failKind, task)
	}
	return task, nil
}

// run drives one task to a terminal state. Store writes are detached from ctx
// so a cancelled call is still recorded; ctx only interrupts provider calls.
// A manual run makes exactly one call and never consults the policy.
func (s *Service) run(ctx context.Context, taskID string, manual bool) {
	log := zap.L().With(zap.String("task_id", taskID))
	sctx := context.WithoutCancel(ctx)

	task, err := s.ledger.Get(sctx, taskID)
	if err != nil {
		log.Error("orchestrator: load task", zap.Error(err))
		return
	}
	tried := ledger.Tried(task)

	for {
		task, err = s.ledger.Start(sctx, taskID)
		if err != nil {
			s.logStop(log, "start", err)
			return
		}

		out := s.call(ctx, sctx, task)
		task, err = s.ledger.RecordResult(sctx, taskID, out)
		if err != nil {
			s.logStop(log, "record result", err)
			return
		}

		if manual {
			s.finish(sctx, log, task, out, policy.Decision{})
			return
		}

		chain, err := s.registry.ListActive(sctx)
		if err != nil {
			log.Warn("orchestrator: provider chain unavailable, no escalation possible", zap.Error(err))
		}
		d := s.policy.Decide(task, out, chain, tried)
		if d.Action != policy.ActionEscalate {
			s.finish(sctx, log, task, out, d)
			return
		}

		if _, err := s.ledger.AppendEscalation(sctx, taskID, ledger.Escalation{
			To:     d.Target.Name,
			Reason: d.Reason,
			Rule:   d.Rule,
			Detail: d.Detail,
		}); err != nil {
			s.logStop(log, "escalate", err)
			return
		}
		tried = append(tried, d.Target.Name)
	}
}

// call resolves the task's current provider and runs it. A provider that has
// been removed or disabled since routing counts as a provider failure.
func (s *Service) call(ctx, sctx context.Context, task *model.TaskExecution) model.Outcome {
	p, err := s.registry.GetActive(sctx, task.CurrentProvider)
	if err != nil {
		return model.Fail(task.CurrentProvider, model.FailureUnsupported, err.Error(), 0)
	}
	return s.exec.Execute(ctx, executor.Call{
		TaskID:     task.ID,
		Input:      task.Input,
		UserID:     task.UserID,
		Context:    task.Context,
		Complexity: task.Complexity,
	}, *p)
}

// finish moves the task to its terminal state. A zero decision accepts a
// success and fails a failure.
func (s *Service) finish(ctx context.Context, log *zap.Logger, task *model.TaskExecution, out model.Outcome, d policy.Decision) {
	accept := d.Action == policy.ActionAccept || (d.Action == "" && out.Succeeded())
	var err error
	if accept {
		_, err = s.ledger.Complete(ctx, task.ID)
	} else {
		_, err = s.ledger.Fail(ctx, task.ID, d.Detail)
	}
	if err != nil {
		s.logStop(log, "finish", err)
		return
	}
	fields := []zap.Field{
		zap.String("provider", task.CurrentProvider),
		zap.Int("escalation_count", task.EscalationCount),
		zap.Float64("total_cost", task.TotalCost),
		zap.String("detail", d.Detail),
	}
	if accept {
		log.Info("orchestrator: task completed", fields...)
	} else {
		log.Warn("orchestrator: task failed", fields...)
	}
}

// logStop records why a loop ended early. Conflicts are expected after a
// cancellation.
func (s *Service) logStop(log *zap.Logger, step string, err error) {
	if model.IsKind(err, model.KindConflict) {
		log.Info("orchestrator: task loop stopped", zap.String("step", step), zap.Error(err))
		return
	}
	log.Error("orchestrator: task loop aborted", zap.String("step", step), zap.Error(err))
}
