package registry

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ai-orchestrator/internal/model"
)

type seedFile struct {
	Providers []model.Provider `yaml:"providers"`
}

// LoadProvidersFromFile reads a YAML document with a top-level providers list.
func LoadProvidersFromFile(path string) ([]model.Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read providers file")
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal providers file")
	}

	seen := make(map[string]bool, len(f.Providers))
	for i, p := range f.Providers {
		if p.Name == "" {
			return nil, eris.Errorf("registry: provider #%d has no name", i+1)
		}
		if seen[p.Name] {
			return nil, eris.Errorf("registry: duplicate provider %s", p.Name)
		}
		seen[p.Name] = true
		if p.Status == "" {
			f.Providers[i].Status = model.ProviderActive
		}
	}
	return f.Providers, nil
}

// Seed upserts every provider in the file and returns how many were written.
func (r *Registry) Seed(ctx context.Context, path string) (int, error) {
	providers, err := LoadProvidersFromFile(path)
	if err != nil {
		return 0, err
	}
	for _, p := range providers {
		if err := r.Upsert(ctx, p); err != nil {
			return 0, err
		}
	}
	zap.L().Info("registry: seeded providers",
		zap.String("path", path),
		zap.Int("count", len(providers)),
	)
	return len(providers), nil
}
