package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity   PerplexityConfig   `yaml:"perplexity" mapstructure:"perplexity"`
	Backend      BackendConfig      `yaml:"backend" mapstructure:"backend"`
	Policy       PolicyConfig       `yaml:"policy" mapstructure:"policy"`
	Providers    ProvidersConfig    `yaml:"providers" mapstructure:"providers"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Resilience   ResilienceConfig   `yaml:"resilience" mapstructure:"resilience"`
	Pricing      PricingConfig      `yaml:"pricing" mapstructure:"pricing"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres, sqlite, memory
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// BackendConfig configures the subprocess and HTTP inference backends.
type BackendConfig struct {
	ScriptPath      string `yaml:"script_path" mapstructure:"script_path"`
	PythonBin       string `yaml:"python_bin" mapstructure:"python_bin"`
	HTTPTimeoutSecs int    `yaml:"http_timeout_secs" mapstructure:"http_timeout_secs"`
}

// PolicyConfig configures the escalation policy.
type PolicyConfig struct {
	AcceptThreshold float64 `yaml:"accept_threshold" mapstructure:"accept_threshold"`
	MaxEscalations  int     `yaml:"max_escalations" mapstructure:"max_escalations"`
	RulesFile       string  `yaml:"rules_file" mapstructure:"rules_file"`
}

// ProvidersConfig points at the provider seed file.
type ProvidersConfig struct {
	SeedFile string `yaml:"seed_file" mapstructure:"seed_file"`
}

// OrchestratorConfig configures task dispatch.
type OrchestratorConfig struct {
	Async               bool `yaml:"async" mapstructure:"async"`
	SubmitTimeoutSecs   int  `yaml:"submit_timeout_secs" mapstructure:"submit_timeout_secs"`
	MaxConcurrentTasks  int  `yaml:"max_concurrent_tasks" mapstructure:"max_concurrent_tasks"`
	ProviderTimeoutSecs int  `yaml:"provider_timeout_secs" mapstructure:"provider_timeout_secs"`
}

// ResilienceConfig configures circuit breakers and read retries.
type ResilienceConfig struct {
	CircuitFailureThreshold int `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
	RetryMaxAttempts        int `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialBackoffMs   int `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs       int `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
}

// PricingConfig holds per-provider pricing overrides.
type PricingConfig struct {
	Providers map[string]ProviderPricing `yaml:"providers" mapstructure:"providers"`
}

// ProviderPricing holds per-provider token pricing (USD per 1k tokens).
type ProviderPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MonitoringConfig configures the provider health monitor.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinRequests          int64   `yaml:"min_requests" mapstructure:"min_requests"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	AutoDisable          bool    `yaml:"auto_disable" mapstructure:"auto_disable"`
	ReenableAfterSecs    int     `yaml:"reenable_after_secs" mapstructure:"reenable_after_secs"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("backend.script_path", "python_scripts/orchestrator.py")
	v.SetDefault("backend.python_bin", "python3")
	v.SetDefault("backend.http_timeout_secs", 120)
	v.SetDefault("policy.accept_threshold", 70.0)
	v.SetDefault("policy.max_escalations", 3)
	v.SetDefault("orchestrator.async", true)
	v.SetDefault("orchestrator.submit_timeout_secs", 300)
	v.SetDefault("orchestrator.max_concurrent_tasks", 8)
	v.SetDefault("orchestrator.provider_timeout_secs", 120)
	v.SetDefault("resilience.circuit_failure_threshold", 5)
	v.SetDefault("resilience.circuit_reset_secs", 30)
	v.SetDefault("resilience.retry_max_attempts", 3)
	v.SetDefault("resilience.retry_initial_backoff_ms", 200)
	v.SetDefault("resilience.retry_max_backoff_ms", 2000)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 60)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.min_requests", 10)
	v.SetDefault("monitoring.cost_threshold_usd", 50.0)
	v.SetDefault("monitoring.auto_disable", false)
	v.SetDefault("monitoring.reenable_after_secs", 900)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration is usable for the given mode
// ("serve", "cli" or "migrate") and reports every problem found.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "cli", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres", "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, fmt.Sprintf("store.database_url is required for the %s driver", c.Store.Driver))
		}
	case "memory":
		if mode == "migrate" {
			errs = append(errs, "store.driver memory cannot be migrated")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store.driver %q", c.Store.Driver))
	}

	if c.Policy.AcceptThreshold < 0 || c.Policy.AcceptThreshold > 100 {
		errs = append(errs, fmt.Sprintf("policy.accept_threshold must be between 0 and 100, got %v", c.Policy.AcceptThreshold))
	}
	if c.Policy.MaxEscalations < 0 {
		errs = append(errs, fmt.Sprintf("policy.max_escalations must be >= 0, got %d", c.Policy.MaxEscalations))
	}
	if c.Orchestrator.MaxConcurrentTasks < 1 || c.Orchestrator.MaxConcurrentTasks > 256 {
		errs = append(errs, fmt.Sprintf("orchestrator.max_concurrent_tasks must be between 1 and 256, got %d", c.Orchestrator.MaxConcurrentTasks))
	}
	if c.Orchestrator.ProviderTimeoutSecs <= 0 {
		errs = append(errs, "orchestrator.provider_timeout_secs must be > 0")
	}
	if c.Monitoring.Enabled {
		if c.Monitoring.CheckIntervalSecs <= 0 {
			errs = append(errs, "monitoring.check_interval_secs must be > 0")
		}
		if c.Monitoring.FailureRateThreshold <= 0 || c.Monitoring.FailureRateThreshold > 1 {
			errs = append(errs, fmt.Sprintf("monitoring.failure_rate_threshold must be in (0, 1], got %v", c.Monitoring.FailureRateThreshold))
		}
	}
	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
