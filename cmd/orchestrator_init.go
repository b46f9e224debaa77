package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ai-orchestrator/internal/backend"
	"github.com/sells-group/ai-orchestrator/internal/cost"
	"github.com/sells-group/ai-orchestrator/internal/executor"
	"github.com/sells-group/ai-orchestrator/internal/ledger"
	"github.com/sells-group/ai-orchestrator/internal/metrics"
	"github.com/sells-group/ai-orchestrator/internal/orchestrator"
	"github.com/sells-group/ai-orchestrator/internal/policy"
	"github.com/sells-group/ai-orchestrator/internal/registry"
	"github.com/sells-group/ai-orchestrator/internal/resilience"
	"github.com/sells-group/ai-orchestrator/internal/store"
	anthropicpkg "github.com/sells-group/ai-orchestrator/pkg/anthropic"
	"github.com/sells-group/ai-orchestrator/pkg/perplexity"
)

// orchestratorEnv holds the store and every component built on it, as
// needed by the serve/submit/tasks/providers/metrics commands.
type orchestratorEnv struct {
	Store    store.Store
	Registry *registry.Registry
	Breakers *resilience.ProviderBreakers
	Metrics  *metrics.Aggregator
	Service  *orchestrator.Service
	Retry    resilience.RetryConfig
}

// Close waits for running task loops and releases the store.
func (oe *orchestratorEnv) Close() {
	if oe.Service != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := oe.Service.Shutdown(ctx); err != nil {
			zap.L().Warn("orchestrator shutdown incomplete", zap.Error(err))
		}
		cancel()
	}
	if oe.Store != nil {
		_ = oe.Store.Close()
	}
}

// initOrchestrator validates the config for mode, opens the store, seeds
// providers on first boot and builds the service. Callers should defer
// env.Close().
func initOrchestrator(ctx context.Context, mode string) (*orchestratorEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	breakerCfg, retry := resilience.FromConfig(cfg.Resilience)
	reg := registry.New(st, retry)

	if err := seedIfEmpty(ctx, reg); err != nil {
		_ = st.Close()
		return nil, err
	}

	pol, err := policy.FromConfig(cfg.Policy)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "build escalation policy")
	}

	breakers := resilience.NewProviderBreakers(breakerCfg)
	exec := executor.New(
		initBackends(),
		breakers,
		cost.FromConfig(cfg.Pricing),
		st,
		time.Duration(cfg.Orchestrator.ProviderTimeoutSecs)*time.Second,
	)
	agg := metrics.New(st, breakers, retry)

	svc := orchestrator.New(reg, ledger.New(st, retry), exec, pol, agg, orchestrator.Config{
		Async:         cfg.Orchestrator.Async,
		SubmitTimeout: time.Duration(cfg.Orchestrator.SubmitTimeoutSecs) * time.Second,
		MaxConcurrent: cfg.Orchestrator.MaxConcurrentTasks,
	})

	zap.L().Info("orchestrator initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Float64("accept_threshold", pol.Threshold()),
		zap.Int("max_escalations", pol.MaxEscalations()),
		zap.Int("rules", len(pol.Rules())),
		zap.Bool("async", cfg.Orchestrator.Async),
	)

	return &orchestratorEnv{
		Store:    st,
		Registry: reg,
		Breakers: breakers,
		Metrics:  agg,
		Service:  svc,
		Retry:    retry,
	}, nil
}

// seedIfEmpty loads the provider seed file when the store has no providers.
// Later status changes are never overwritten by a restart.
func seedIfEmpty(ctx context.Context, reg *registry.Registry) error {
	if cfg.Providers.SeedFile == "" {
		return nil
	}
	existing, err := reg.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	if _, err := reg.Seed(ctx, cfg.Providers.SeedFile); err != nil {
		return eris.Wrap(err, "seed providers")
	}
	return nil
}

// initBackends registers one backend per provider kind. Vendor backends are
// only registered when their API key is configured; providers of an
// unregistered kind fail with an unsupported-provider outcome.
func initBackends() *backend.Set {
	set := backend.NewSet()

	if cfg.Anthropic.Key != "" {
		client := anthropicpkg.NewClient(cfg.Anthropic.Key, cfg.Anthropic.BaseURL)
		set.Register("anthropic", backend.NewAnthropic(client, cfg.Anthropic.MaxTokens))
	} else {
		zap.L().Debug("ORCHESTRATOR_ANTHROPIC_KEY not set, anthropic providers disabled")
	}

	if cfg.Perplexity.Key != "" {
		client := perplexity.NewClient(cfg.Perplexity.Key,
			perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
			perplexity.WithModel(cfg.Perplexity.Model),
		)
		set.Register("perplexity", backend.NewPerplexity(client))
	} else {
		zap.L().Debug("ORCHESTRATOR_PERPLEXITY_KEY not set, perplexity providers disabled")
	}

	set.Register("http", backend.NewHTTP(time.Duration(cfg.Backend.HTTPTimeoutSecs)*time.Second))
	if cfg.Backend.ScriptPath != "" {
		set.Register("subprocess", backend.NewSubprocess(cfg.Backend.PythonBin, cfg.Backend.ScriptPath))
	}
	set.Register("echo", &backend.Echo{})

	zap.L().Info("inference backends registered", zap.Strings("kinds", set.Kinds()))
	return set
}
