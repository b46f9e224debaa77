package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.InDelta(t, 70.0, cfg.Policy.AcceptThreshold, 0.001)
	assert.Equal(t, 3, cfg.Policy.MaxEscalations)
	assert.True(t, cfg.Orchestrator.Async)
	assert.Equal(t, 8, cfg.Orchestrator.MaxConcurrentTasks)
	assert.Equal(t, 120, cfg.Orchestrator.ProviderTimeoutSecs)
	assert.Equal(t, 5, cfg.Resilience.CircuitFailureThreshold)
	assert.Equal(t, "sonar-pro", cfg.Perplexity.Model)
	assert.Equal(t, int64(4096), cfg.Anthropic.MaxTokens)
	assert.Equal(t, "python3", cfg.Backend.PythonBin)
	assert.False(t, cfg.Monitoring.Enabled)
	assert.InDelta(t, 0.5, cfg.Monitoring.FailureRateThreshold, 0.001)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: orchestrator.db
log:
  level: debug
  format: console
policy:
  accept_threshold: 80
  max_escalations: 2
pricing:
  providers:
    claude_sonnet:
      input: 0.003
      output: 0.015
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "orchestrator.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.InDelta(t, 80.0, cfg.Policy.AcceptThreshold, 0.001)
	assert.Equal(t, 2, cfg.Policy.MaxEscalations)
	require.Contains(t, cfg.Pricing.Providers, "claude_sonnet")
	assert.InDelta(t, 0.015, cfg.Pricing.Providers["claude_sonnet"].Output, 1e-9)
	// Defaults still apply for unset values
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadExplicitZeroPolicy(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
policy:
  accept_threshold: 0
  max_escalations: 0
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Zero(t, cfg.Policy.AcceptThreshold)
	assert.Zero(t, cfg.Policy.MaxEscalations)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("ORCHESTRATOR_STORE_DRIVER", "postgres")
	t.Setenv("ORCHESTRATOR_LOG_LEVEL", "warn")
	t.Setenv("ORCHESTRATOR_POLICY_MAX_ESCALATIONS", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Policy.MaxEscalations)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "test.db"
	cfg.Policy.AcceptThreshold = 70
	cfg.Policy.MaxEscalations = 3
	cfg.Orchestrator.MaxConcurrentTasks = 8
	cfg.Orchestrator.ProviderTimeoutSecs = 120
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_AllModes(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"serve", "cli", "migrate"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = ""
	err := cfg.Validate("cli")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required for the postgres driver")

	cfg.Store.Driver = "mysql"
	err = cfg.Validate("cli")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), `unknown store.driver "mysql"`)

	cfg.Store.Driver = "memory"
	assert.NoError(t, cfg.Validate("serve"))
	err = cfg.Validate("migrate")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be migrated")
}

func TestValidatePolicyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Policy.AcceptThreshold = 101
	err := cfg.Validate("cli")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "policy.accept_threshold")

	cfg.Policy.AcceptThreshold = 70
	cfg.Policy.MaxEscalations = -1
	err = cfg.Validate("cli")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "policy.max_escalations")

	cfg.Policy.MaxEscalations = 0
	assert.NoError(t, cfg.Validate("cli"))
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := validDefaults()
	cfg.Orchestrator.MaxConcurrentTasks = 0
	cfg.Orchestrator.ProviderTimeoutSecs = 0
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_tasks must be between 1 and 256")
	assert.Contains(t, err.Error(), "provider_timeout_secs must be > 0")
	assert.Contains(t, err.Error(), "server.port must be > 0")

	// Port only matters when serving.
	cfg.Orchestrator.MaxConcurrentTasks = 4
	cfg.Orchestrator.ProviderTimeoutSecs = 30
	assert.NoError(t, cfg.Validate("cli"))
}

func TestValidateMonitoring(t *testing.T) {
	cfg := validDefaults()
	cfg.Monitoring.Enabled = true
	cfg.Monitoring.CheckIntervalSecs = 60
	cfg.Monitoring.FailureRateThreshold = 1.5

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring.failure_rate_threshold")

	cfg.Monitoring.FailureRateThreshold = 0.5
	assert.NoError(t, cfg.Validate("serve"))
}
