package model

import (
	"time"
)

// TaskStatus represents the lifecycle state of a task execution.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskEscalated  TaskStatus = "escalated"
)

// taskTransitions is the exhaustive transition table for task executions.
// Completed and failed tasks only leave their terminal state through a manual
// escalation.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskProcessing, TaskFailed},
	TaskProcessing: {TaskCompleted, TaskFailed, TaskEscalated},
	TaskEscalated:  {TaskProcessing, TaskFailed},
	TaskCompleted:  {TaskEscalated},
	TaskFailed:     {TaskEscalated},
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	_, ok := taskTransitions[s]
	return ok
}

// Terminal reports whether no further executor calls occur in this state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a conflict error when from -> to is not allowed.
func CheckTransition(taskID string, from, to TaskStatus) error {
	if !CanTransition(from, to) {
		return Conflictf("task %s: transition %s -> %s not allowed", taskID, from, to)
	}
	return nil
}

// CancelledReason is the error message recorded on cancelled tasks.
const CancelledReason = "cancelled"

// TaskExecution is one submitted task and its resolution state. Escalations
// is only populated by detail reads.
type TaskExecution struct {
	ID              string            `json:"task_id"`
	UserID          int64             `json:"user_id"`
	Input           string            `json:"input"`
	Context         map[string]any    `json:"context,omitempty"`
	TaskType        string            `json:"task_type"`
	Complexity      float64           `json:"complexity"`
	InitialProvider string            `json:"initial_provider"`
	CurrentProvider string            `json:"current_provider"`
	Status          TaskStatus        `json:"status"`
	Confidence      *float64          `json:"confidence,omitempty"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	TotalCost       float64           `json:"total_cost"`
	InputTokens     int64             `json:"input_tokens"`
	OutputTokens    int64             `json:"output_tokens"`
	EscalationCount int               `json:"escalation_count"`
	Output          string            `json:"output"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Cancelled       bool              `json:"cancelled"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	Escalations     []EscalationEntry `json:"escalations,omitempty"`
}

// Snapshot captures the fields a conditional update is keyed on.
func (t *TaskExecution) Snapshot() Expectation {
	return Expectation{Status: t.Status, EscalationCount: t.EscalationCount}
}

// Expectation is the state a writer expects a task row to still be in.
// Stores reject the write with a conflict when the row has moved on.
type Expectation struct {
	Status          TaskStatus
	EscalationCount int
}

// NewTask holds the caller-supplied fields for creating a task.
type NewTask struct {
	UserID          int64
	Input           string
	Context         map[string]any
	TaskType        string
	Complexity      float64
	InitialProvider string
	Metadata        map[string]any
}

// TaskFilter specifies criteria for listing tasks. Since and Until bound
// created_at inclusively; a zero bound is open.
type TaskFilter struct {
	UserID int64      `json:"user_id,omitempty"`
	Status TaskStatus `json:"status,omitempty"`
	Since  time.Time  `json:"since,omitempty"`
	Until  time.Time  `json:"until,omitempty"`
	Limit  int        `json:"limit,omitempty"`
	Offset int        `json:"offset,omitempty"`
}

// TaskPage is one page of a task listing plus the unpaged total.
type TaskPage struct {
	Tasks []TaskExecution `json:"tasks"`
	Total int             `json:"total"`
}
