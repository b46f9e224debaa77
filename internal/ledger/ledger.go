// Package ledger is the persistent record of task executions and their
// escalation history. Every mutation of a task is serialized per task and
// checked against the task state machine before it is written.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/ai-orchestrator/internal/model"
	"github.com/sells-group/ai-orchestrator/internal/resilience"
)

// Listing bounds.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Store is the slice of the store the ledger reads and writes.
type Store interface {
	CreateTask(ctx context.Context, t *model.TaskExecution) error
	GetTask(ctx context.Context, id string) (*model.TaskExecution, error)
	UpdateTask(ctx context.Context, t *model.TaskExecution, expect model.Expectation) error
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.TaskExecution, int, error)
	AppendEscalation(ctx context.Context, t *model.TaskExecution, expect model.Expectation, e *model.EscalationEntry) error
	ListEscalations(ctx context.Context, taskID string) ([]model.EscalationEntry, error)
}

// Escalation describes a transition to append to a task's history.
type Escalation struct {
	To     string
	Reason model.EscalationReason
	Rule   string
	Detail string
}

// Ledger records task executions.
type Ledger struct {
	store Store
	retry resilience.RetryConfig
	locks *taskLocks
	now   func() time.Time
}

// New creates a Ledger. Reads are retried on transient store errors; writes
// are never retried.
func New(st Store, retry resilience.RetryConfig) *Ledger {
	if retry.Name == "" {
		retry.Name = "ledger"
	}
	return &Ledger{
		store: st,
		retry: retry,
		locks: newTaskLocks(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new pending task.
func (l *Ledger) Create(ctx context.Context, nt model.NewTask) (*model.TaskExecution, error) {
	if strings.TrimSpace(nt.Input) == "" {
		return nil, model.Invalidf("task input is required")
	}
	if nt.UserID <= 0 {
		return nil, model.Invalidf("task owner is required")
	}
	if nt.InitialProvider == "" {
		return nil, model.Invalidf("initial provider is required")
	}

	now := l.now()
	t := &model.TaskExecution{
		ID:              uuid.New().String(),
		UserID:          nt.UserID,
		Input:           nt.Input,
		Context:         nt.Context,
		TaskType:        nt.TaskType,
		Complexity:      nt.Complexity,
		InitialProvider: nt.InitialProvider,
		CurrentProvider: nt.InitialProvider,
		Status:          model.TaskPending,
		Metadata:        nt.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.store.CreateTask(ctx, t); err != nil {
		return nil, model.Classify(err, "ledger: create task")
	}
	zap.L().Info("ledger: task created",
		zap.String("task_id", t.ID),
		zap.Int64("user_id", t.UserID),
		zap.String("provider", t.InitialProvider),
		zap.String("task_type", t.TaskType),
	)
	return t, nil
}

// Get returns a task with its escalation history in append order. The row and
// the history are read under the task's lock so the count matches the entries.
func (l *Ledger) Get(ctx context.Context, id string) (*model.TaskExecution, error) {
	unlock := l.locks.lock(id)
	defer unlock()

	t, err := l.load(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := resilience.DoVal(ctx, l.retry, func(ctx context.Context) ([]model.EscalationEntry, error) {
		return l.store.ListEscalations(ctx, id)
	})
	if err != nil {
		return nil, model.Classify(err, "ledger: list escalations "+id)
	}
	t.Escalations = entries
	return t, nil
}

// GetOwned returns the task only if userID owns it. Tasks owned by someone
// else are reported as not found.
func (l *Ledger) GetOwned(ctx context.Context, id string, userID int64) (*model.TaskExecution, error) {
	t, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, model.NotFoundf("task %s not found", id)
	}
	return t, nil
}

// List returns one page of tasks, newest first.
func (l *Ledger) List(ctx context.Context, filter model.TaskFilter) (*model.TaskPage, error) {
	switch {
	case filter.Limit == 0:
		filter.Limit = DefaultListLimit
	case filter.Limit < 1 || filter.Limit > MaxListLimit:
		return nil, model.Invalidf("limit must be between 1 and %d, got %d", MaxListLimit, filter.Limit)
	}
	if filter.Offset < 0 {
		return nil, model.Invalidf("offset must be >= 0, got %d", filter.Offset)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, model.Invalidf("unknown status %q", filter.Status)
	}

	type page struct {
		tasks []model.TaskExecution
		total int
	}
	p, err := resilience.DoVal(ctx, l.retry, func(ctx context.Context) (page, error) {
		tasks, total, err := l.store.ListTasks(ctx, filter)
		return page{tasks: tasks, total: total}, err
	})
	if err != nil {
		return nil, model.Classify(err, "ledger: list tasks")
	}
	if p.tasks == nil {
		p.tasks = []model.TaskExecution{}
	}
	return &model.TaskPage{Tasks: p.tasks, Total: p.total}, nil
}

// Start moves a pending or escalated task to processing.
func (l *Ledger) Start(ctx context.Context, id string) (*model.TaskExecution, error) {
	return l.mutate(ctx, id, func(t *model.TaskExecution) (*model.EscalationEntry, error) {
		return nil, transition(t, model.TaskProcessing)
	})
}

// RecordResult stores the outcome of a provider call on a processing task.
// Cost, latency and tokens accumulate across calls; output and confidence
// reflect the latest successful call. A failure keeps the previous output and
// records the error.
func (l *Ledger) RecordResult(ctx context.Context, id string, out model.Outcome) (*model.TaskExecution, error) {
	return l.mutate(ctx, id, func(t *model.TaskExecution) (*model.EscalationEntry, error) {
		if t.Status != model.TaskProcessing {
			return nil, model.Conflictf("task %s: cannot record a result while %s", t.ID, t.Status)
		}
		if out.Provider != "" && out.Provider != t.CurrentProvider {
			return nil, model.Conflictf("task %s: result from %s but current provider is %s", t.ID, out.Provider, t.CurrentProvider)
		}
		t.ExecutionTimeMs += out.LatencyMs
		if out.Succeeded() {
			r := out.Result
			conf := r.Confidence
			t.Output = r.Output
			t.Confidence = &conf
			t.TotalCost += r.Cost
			t.InputTokens += r.InputTokens
			t.OutputTokens += r.OutputTokens
			t.ErrorMessage = ""
			return nil, nil
		}
		if out.Failure != nil {
			t.ErrorMessage = out.Failure.Error()
		}
		return nil, nil
	})
}

// Complete marks a processing task completed.
func (l *Ledger) Complete(ctx context.Context, id string) (*model.TaskExecution, error) {
	return l.mutate(ctx, id, func(t *model.TaskExecution) (*model.EscalationEntry, error) {
		if err := transition(t, model.TaskCompleted); err != nil {
			return nil, err
		}
		now := l.now()
		t.CompletedAt = &now
		return nil, nil
	})
}

// Fail marks a task failed with the given message. An empty message keeps the
// error recorded by the last provider call.
func (l *Ledger) Fail(ctx context.Context, id, message string) (*model.TaskExecution, error) {
	return l.mutate(ctx, id, func(t *model.TaskExecution) (*model.EscalationEntry, error) {
		if err := transition(t, model.TaskFailed); err != nil {
			return nil, err
		}
		if message != "" {
			t.ErrorMessage = message
		}
		now := l.now()
		t.CompletedAt = &now
		return nil, nil
	})
}

// AppendEscalation moves the task to the target provider in one write: the
// history row is inserted, escalation_count is incremented and the status
// becomes escalated. Automatic escalations start from processing, manual ones
// from a terminal state.
func (l *Ledger) AppendEscalation(ctx context.Context, id string, esc Escalation) (*model.TaskExecution, error) {
	if !esc.Reason.Valid() {
		return nil, model.Invalidf("unknown escalation reason %q", esc.Reason)
	}
	if esc.To == "" {
		return nil, model.Invalidf("escalation target is required")
	}
	manual := esc.Reason == model.ReasonManualOverride

	var entry *model.EscalationEntry
	t, err := l.mutate(ctx, id, func(t *model.TaskExecution) (*model.EscalationEntry, error) {
		if manual && !t.Status.Terminal() {
			return nil, model.Conflictf("task %s is %s; only completed or failed tasks can be escalated manually", t.ID, t.Status)
		}
		if !manual && t.Status != model.TaskProcessing {
			return nil, model.Conflictf("task %s is %s; automatic escalation requires processing", t.ID, t.Status)
		}
		entry = &model.EscalationEntry{
			TaskID:         t.ID,
			FromProvider:   t.CurrentProvider,
			ToProvider:     esc.To,
			Reason:         esc.Reason,
			Rule:           esc.Rule,
			Detail:         esc.Detail,
			PreviousOutput: t.Output,
		}
		if t.Confidence != nil {
			c := *t.Confidence
			entry.PreviousConfidence = &c
		}
		if err := transition(t, model.TaskEscalated); err != nil {
			return nil, err
		}
		t.CurrentProvider = esc.To
		t.EscalationCount++
		t.CompletedAt = nil
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("ledger: task escalated",
		zap.String("task_id", id),
		zap.String("from", entry.FromProvider),
		zap.String("to", entry.ToProvider),
		zap.String("reason", string(entry.Reason)),
		zap.String("rule", entry.Rule),
		zap.Int("escalation_count", t.EscalationCount),
	)
	return t, nil
}

// Cancel fails a task that has not reached a terminal state and flags it so
// no further provider calls are made for it.
func (l *Ledger) Cancel(ctx context.Context, id string) (*model.TaskExecution, error) {
	t, err := l.mutate(ctx, id, func(t *model.TaskExecution) (*model.EscalationEntry, error) {
		if t.Status.Terminal() {
			return nil, model.Conflictf("task %s is already %s", t.ID, t.Status)
		}
		if err := transition(t, model.TaskFailed); err != nil {
			return nil, err
		}
		t.Cancelled = true
		t.ErrorMessage = model.CancelledReason
		now := l.now()
		t.CompletedAt = &now
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("ledger: task cancelled", zap.String("task_id", id))
	return t, nil
}

// Tried lists the providers a task has been routed to, initial provider first.
// t must carry its escalation history.
func Tried(t *model.TaskExecution) []string {
	tried := []string{t.InitialProvider}
	for _, e := range t.Escalations {
		tried = append(tried, e.ToProvider)
	}
	return tried
}

func (l *Ledger) load(ctx context.Context, id string) (*model.TaskExecution, error) {
	if id == "" {
		return nil, model.Invalidf("task id is required")
	}
	t, err := resilience.DoVal(ctx, l.retry, func(ctx context.Context) (*model.TaskExecution, error) {
		return l.store.GetTask(ctx, id)
	})
	if err != nil {
		return nil, model.Classify(err, "ledger: get task "+id)
	}
	return t, nil
}

// mutate applies fn to the current task row under the task's lock and writes
// the result conditionally on the row not having moved since it was read.
// When fn returns an entry it is appended in the same write.
func (l *Ledger) mutate(ctx context.Context, id string, fn func(t *model.TaskExecution) (*model.EscalationEntry, error)) (*model.TaskExecution, error) {
	unlock := l.locks.lock(id)
	defer unlock()

	t, err := l.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Cancelled {
		return nil, model.Conflictf("task %s was cancelled", id)
	}
	expect := t.Snapshot()

	entry, err := fn(t)
	if err != nil {
		return nil, err
	}

	if entry != nil {
		err = l.store.AppendEscalation(ctx, t, expect, entry)
	} else {
		err = l.store.UpdateTask(ctx, t, expect)
	}
	if err != nil {
		return nil, model.Classify(err, "ledger: update task "+id)
	}
	return t, nil
}

func transition(t *model.TaskExecution, to model.TaskStatus) error {
	if err := model.CheckTransition(t.ID, t.Status, to); err != nil {
		return err
	}
	t.Status = to
	return nil
}
