package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/ai-orchestrator/internal/config"
	"github.com/sells-group/ai-orchestrator/internal/model"
)

// StatusSetter enables and disables providers.
type StatusSetter interface {
	SetStatus(ctx context.Context, name string, status model.ProviderStatus) error
}

// counts is a provider's daily counters at a point in time.
type counts struct {
	day    string
	total  int64
	failed int64
}

// Checker runs periodic health checks in the background. With auto-disable
// on, providers over the failure-rate threshold are disabled and, after the
// cooldown, enabled again. Only providers the checker disabled itself are
// re-enabled.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	providers StatusSetter
	cfg       config.MonitoringConfig
	now       func() time.Time

	mu       sync.Mutex
	disabled map[string]time.Time
	baseline map[string]counts
}

// NewChecker creates a background health checker. providers may be nil when
// auto-disable is off.
func NewChecker(collector *Collector, alerter *Alerter, providers StatusSetter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		providers: providers,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		disabled:  make(map[string]time.Time),
		baseline:  make(map[string]counts),
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting provider health checker",
		zap.Duration("interval", interval),
		zap.Bool("auto_disable", c.cfg.AutoDisable),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("provider health checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check runs one collect, alert and correct cycle.
func (c *Checker) Check(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: failed to collect provider health", zap.Error(err))
		return
	}
	c.applyBaselines(snap)

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) > 0 {
		sent := c.alerter.SendAlerts(ctx, alerts)
		log.Info("monitoring: health check complete",
			zap.Int("alerts_triggered", len(alerts)),
			zap.Int("alerts_sent", sent),
		)
	} else {
		log.Debug("monitoring: no alerts triggered")
	}

	if !c.cfg.AutoDisable || c.providers == nil {
		return
	}
	for _, a := range alerts {
		if a.Type == AlertProviderFailureRate {
			c.disable(ctx, log, a.Provider)
		}
	}
	c.reenable(ctx, log, snap)
}

// applyBaselines discounts calls made before a provider was re-enabled, so
// the failures that got it disabled do not disable it again the same day.
func (c *Checker) applyBaselines(snap *HealthSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range snap.Providers {
		p := &snap.Providers[i]
		b, ok := c.baseline[p.Name]
		if !ok {
			continue
		}
		if b.day != snap.Day {
			delete(c.baseline, p.Name)
			continue
		}
		p.Total = max(0, p.Total-b.total)
		p.Failed = max(0, p.Failed-b.failed)
		p.FailureRate = 0
		if p.Total > 0 {
			p.FailureRate = float64(p.Failed) / float64(p.Total)
		}
	}
}

func (c *Checker) disable(ctx context.Context, log *zap.Logger, name string) {
	if err := c.providers.SetStatus(ctx, name, model.ProviderDisabled); err != nil {
		log.Error("monitoring: failed to disable provider", zap.String("provider", name), zap.Error(err))
		return
	}
	c.mu.Lock()
	c.disabled[name] = c.now()
	c.mu.Unlock()
	log.Warn("monitoring: provider auto-disabled", zap.String("provider", name))
}

func (c *Checker) reenable(ctx context.Context, log *zap.Logger, snap *HealthSnapshot) {
	if c.cfg.ReenableAfterSecs <= 0 {
		return
	}
	cooldown := time.Duration(c.cfg.ReenableAfterSecs) * time.Second
	now := c.now()

	c.mu.Lock()
	var due []string
	for name, at := range c.disabled {
		if now.Sub(at) >= cooldown {
			due = append(due, name)
		}
	}
	c.mu.Unlock()

	for _, name := range due {
		p, ok := snap.Provider(name)
		if ok && p.Status != model.ProviderDisabled {
			// Someone else changed it; stop tracking.
			c.forget(name)
			continue
		}
		if err := c.providers.SetStatus(ctx, name, model.ProviderActive); err != nil {
			if model.IsKind(err, model.KindNotFound) {
				c.forget(name)
			}
			log.Error("monitoring: failed to re-enable provider", zap.String("provider", name), zap.Error(err))
			continue
		}

		c.mu.Lock()
		delete(c.disabled, name)
		if ok {
			prev := c.baseline[name]
			c.baseline[name] = counts{day: snap.Day, total: prev.total + p.Total, failed: prev.failed + p.Failed}
		}
		c.mu.Unlock()
		log.Info("monitoring: provider re-enabled after cooldown", zap.String("provider", name))
	}
}

func (c *Checker) forget(name string) {
	c.mu.Lock()
	delete(c.disabled, name)
	c.mu.Unlock()
}

// Disabled returns the providers the checker has disabled and not yet
// re-enabled.
func (c *Checker) Disabled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.disabled))
	for name := range c.disabled {
		names = append(names, name)
	}
	return names
}
