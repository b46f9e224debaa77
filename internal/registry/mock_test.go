package registry

import (
	"context"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/sells-group/ai-orchestrator/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// mockProviderStore implements ProviderStore for testing.
type mockProviderStore struct {
	mock.Mock
}

func (m *mockProviderStore) UpsertProvider(ctx context.Context, p model.Provider) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *mockProviderStore) GetProvider(ctx context.Context, name string) (*model.Provider, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Provider), args.Error(1)
}

func (m *mockProviderStore) ListProviders(ctx context.Context, activeOnly bool) ([]model.Provider, error) {
	args := m.Called(ctx, activeOnly)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Provider), args.Error(1)
}

func (m *mockProviderStore) SetProviderStatus(ctx context.Context, name string, status model.ProviderStatus) error {
	args := m.Called(ctx, name, status)
	return args.Error(0)
}
