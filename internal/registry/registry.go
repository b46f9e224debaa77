// Package registry holds the set of AI providers a task can be routed to.
package registry

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/ai-orchestrator/internal/model"
	"github.com/sells-group/ai-orchestrator/internal/resilience"
)

// ProviderStore is the slice of the store the registry reads and writes.
type ProviderStore interface {
	UpsertProvider(ctx context.Context, p model.Provider) error
	GetProvider(ctx context.Context, name string) (*model.Provider, error)
	ListProviders(ctx context.Context, activeOnly bool) ([]model.Provider, error)
	SetProviderStatus(ctx context.Context, name string, status model.ProviderStatus) error
}

// Registry resolves providers by name and builds the priority-ordered chain.
type Registry struct {
	store ProviderStore
	retry resilience.RetryConfig
}

// New creates a Registry. Reads are retried on transient store errors.
func New(st ProviderStore, retry resilience.RetryConfig) *Registry {
	if retry.Name == "" {
		retry.Name = "registry"
	}
	return &Registry{store: st, retry: retry}
}

// ListActive returns active providers ordered by priority descending, then name.
func (r *Registry) ListActive(ctx context.Context) ([]model.Provider, error) {
	return r.list(ctx, true)
}

// List returns every provider, active or not, in chain order.
func (r *Registry) List(ctx context.Context) ([]model.Provider, error) {
	return r.list(ctx, false)
}

func (r *Registry) list(ctx context.Context, activeOnly bool) ([]model.Provider, error) {
	providers, err := resilience.DoVal(ctx, r.retry, func(ctx context.Context) ([]model.Provider, error) {
		return r.store.ListProviders(ctx, activeOnly)
	})
	if err != nil {
		return nil, model.Classify(err, "registry: list providers")
	}
	if providers == nil {
		providers = []model.Provider{}
	}
	model.SortProviders(providers)
	return providers, nil
}

// GetByName returns the named provider regardless of status.
// An unknown name yields a KindNotFound error.
func (r *Registry) GetByName(ctx context.Context, name string) (*model.Provider, error) {
	if name == "" {
		return nil, model.Invalidf("provider name is required")
	}
	p, err := resilience.DoVal(ctx, r.retry, func(ctx context.Context) (*model.Provider, error) {
		return r.store.GetProvider(ctx, name)
	})
	if err != nil {
		return nil, model.Classify(err, "registry: get provider "+name)
	}
	return p, nil
}

// GetActive returns the named provider only if it may receive tasks.
// Disabled providers are reported as not found.
func (r *Registry) GetActive(ctx context.Context, name string) (*model.Provider, error) {
	p, err := r.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !p.Active() {
		return nil, model.NotFoundf("provider %s is disabled", name)
	}
	return p, nil
}

// Select picks the first active provider in chain order that accepts the
// task type and complexity.
func (r *Registry) Select(ctx context.Context, taskType string, complexity float64) (*model.Provider, error) {
	providers, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	for i := range providers {
		if providers[i].Accepts(taskType, complexity) {
			return &providers[i], nil
		}
	}
	return nil, model.NotFoundf("no active provider can serve task type %q at complexity %.0f", taskType, complexity)
}

// SetStatus enables or disables a provider.
func (r *Registry) SetStatus(ctx context.Context, name string, status model.ProviderStatus) error {
	if err := r.store.SetProviderStatus(ctx, name, status); err != nil {
		return model.Classify(err, "registry: set provider status "+name)
	}
	zap.L().Info("registry: provider status changed",
		zap.String("provider", name),
		zap.String("status", string(status)),
	)
	return nil
}

// Upsert creates or replaces a provider definition.
func (r *Registry) Upsert(ctx context.Context, p model.Provider) error {
	if err := r.store.UpsertProvider(ctx, p); err != nil {
		return model.Classify(err, "registry: upsert provider "+p.Name)
	}
	return nil
}
