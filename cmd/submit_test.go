package main

import (
	"bytes"
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ai-orchestrator/internal/model"
	"github.com/sells-group/ai-orchestrator/internal/orchestrator"
)

type fakeSubmitter struct {
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeSubmitter) Submit(_ context.Context, req orchestrator.SubmitRequest) (*model.TaskExecution, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	if strings.HasPrefix(req.Input, "bad") {
		return nil, model.Invalidf("rejected")
	}
	if strings.HasPrefix(req.Input, "fail") {
		task := &model.TaskExecution{ID: "t-" + req.Input, Input: req.Input, Status: model.TaskFailed, ErrorMessage: "no further provider can serve this task"}
		return task, model.TaskFailure(model.KindExhausted, task)
	}
	return &model.TaskExecution{ID: "t-" + req.Input, Input: req.Input, Status: model.TaskCompleted}, nil
}

func TestSubmitAll_KeepsOrderAndCountsFailures(t *testing.T) {
	svc := &fakeSubmitter{}
	var reqs []orchestrator.SubmitRequest
	for _, in := range []string{"a", "bad1", "b", "c", "bad2", "d"} {
		reqs = append(reqs, orchestrator.SubmitRequest{UserID: 1, Input: in})
	}

	tasks, failed := submitAll(context.Background(), svc, reqs, 2)

	assert.Equal(t, 2, failed)
	require.Len(t, tasks, 4)
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"t-a", "t-b", "t-c", "t-d"}, ids)
	assert.LessOrEqual(t, svc.peak.Load(), int32(2))
}

func TestSubmitAll_KeepsFailedTasks(t *testing.T) {
	svc := &fakeSubmitter{}
	reqs := []orchestrator.SubmitRequest{{Input: "a"}, {Input: "fail1"}, {Input: "bad"}}

	tasks, failed := submitAll(context.Background(), svc, reqs, 3)

	assert.Equal(t, 1, failed)
	require.Len(t, tasks, 2)
	assert.Equal(t, "t-fail1", tasks[1].ID)
	assert.Equal(t, model.TaskFailed, tasks[1].Status)
}

func TestSubmitAll_ZeroConcurrencyRunsSerially(t *testing.T) {
	svc := &fakeSubmitter{}
	reqs := []orchestrator.SubmitRequest{{Input: "x"}, {Input: "y"}}

	tasks, failed := submitAll(context.Background(), svc, reqs, 0)

	assert.Zero(t, failed)
	assert.Len(t, tasks, 2)
	assert.Equal(t, int32(1), svc.peak.Load())
}

func TestReadInputs(t *testing.T) {
	inputs, err := readInputs(strings.NewReader("first task\n\n   \n  second task  \nthird\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first task", "second task", "third"}, inputs)
}

func TestReadInputs_Empty(t *testing.T) {
	_, err := readInputs(strings.NewReader("\n  \n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no inputs found")
}

func TestFormatTasksList(t *testing.T) {
	conf := 82.5
	created := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	tasks := []model.TaskExecution{
		{
			ID:              "3f1c2a9e-0000-4000-8000-000000000001",
			Status:          model.TaskCompleted,
			CurrentProvider: "claude_sonnet",
			EscalationCount: 1,
			Confidence:      &conf,
			TotalCost:       0.0125,
			CreatedAt:       created,
		},
		{
			ID:              "3f1c2a9e-0000-4000-8000-000000000002",
			Status:          model.TaskFailed,
			CurrentProvider: "comet",
			CreatedAt:       created,
		},
	}

	var buf bytes.Buffer
	formatTasksList(&buf, tasks)
	out := buf.String()

	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "ESCALATIONS")
	assert.Contains(t, out, "3f1c2a9e-0000-4000-8000-000000000001")
	assert.Contains(t, out, "claude_sonnet")
	assert.Contains(t, out, "82.5")
	assert.Contains(t, out, "$0.0125")
	assert.Contains(t, out, "2026-03-14 09:30")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[2], "failed")
	assert.Contains(t, lines[2], " - ")
}
