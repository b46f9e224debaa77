package store

import (
	"context"
	"embed"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ai-orchestrator/internal/model"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

// Store defines the persistence interface for providers, tasks, escalation
// history and per-provider daily counters.
//
// UpdateTask and AppendEscalation are conditional: the write only lands when
// the row still matches expect. A task that does not exist yields a
// KindNotFound error; a row that has moved on yields KindConflict.
type Store interface {
	// Providers
	UpsertProvider(ctx context.Context, p model.Provider) error
	GetProvider(ctx context.Context, name string) (*model.Provider, error)
	ListProviders(ctx context.Context, activeOnly bool) ([]model.Provider, error)
	SetProviderStatus(ctx context.Context, name string, status model.ProviderStatus) error

	// Provider counters
	IncrementProviderMetrics(ctx context.Context, provider, day string, d model.MetricsDelta) error
	GetProviderMetrics(ctx context.Context, day string) ([]model.ProviderDailyMetrics, error)

	// Tasks
	CreateTask(ctx context.Context, t *model.TaskExecution) error
	GetTask(ctx context.Context, id string) (*model.TaskExecution, error)
	UpdateTask(ctx context.Context, t *model.TaskExecution, expect model.Expectation) error
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.TaskExecution, int, error)

	// Escalation history
	AppendEscalation(ctx context.Context, t *model.TaskExecution, expect model.Expectation, e *model.EscalationEntry) error
	ListEscalations(ctx context.Context, taskID string) ([]model.EscalationEntry, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

type scannable interface {
	Scan(dest ...any) error
}

func marshalMap(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "marshal json column")
	}
	return b, nil
}

func unmarshalMap(b []byte) (map[string]any, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, eris.Wrap(err, "unmarshal json column")
	}
	return m, nil
}

func marshalCapabilities(caps []string) ([]byte, error) {
	if caps == nil {
		caps = []string{}
	}
	b, err := json.Marshal(caps)
	return b, eris.Wrap(err, "marshal capabilities")
}

func unmarshalCapabilities(b []byte) ([]string, error) {
	var caps []string
	if len(b) == 0 {
		return caps, nil
	}
	if err := json.Unmarshal(b, &caps); err != nil {
		return nil, eris.Wrap(err, "unmarshal capabilities")
	}
	return caps, nil
}

func validateProvider(p model.Provider) error {
	if p.Name == "" {
		return model.Invalidf("provider name is required")
	}
	if p.Kind == "" {
		return model.Invalidf("provider %s: kind is required", p.Name)
	}
	if !p.Status.Valid() {
		return model.Invalidf("provider %s: invalid status %q", p.Name, p.Status)
	}
	return nil
}
