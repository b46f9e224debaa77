package resilience

import (
	"time"

	"github.com/sells-group/ai-orchestrator/internal/config"
)

// FromConfig builds the breaker and retry settings from the resilience section.
func FromConfig(cfg config.ResilienceConfig) (BreakerConfig, RetryConfig) {
	bc := DefaultBreakerConfig()
	if cfg.CircuitFailureThreshold > 0 {
		bc.FailureThreshold = cfg.CircuitFailureThreshold
	}
	if cfg.CircuitResetSecs > 0 {
		bc.Cooldown = time.Duration(cfg.CircuitResetSecs) * time.Second
	}

	rc := DefaultRetryConfig()
	if cfg.RetryMaxAttempts > 0 {
		rc.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.RetryInitialBackoffMs > 0 {
		rc.InitialBackoff = time.Duration(cfg.RetryInitialBackoffMs) * time.Millisecond
	}
	if cfg.RetryMaxBackoffMs > 0 {
		rc.MaxBackoff = time.Duration(cfg.RetryMaxBackoffMs) * time.Millisecond
	}
	return bc, rc
}
