// Package resilience provides per-provider circuit breakers and retry with
// backoff for store reads and alert webhooks.
package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState represents the state of a provider's circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the cooldown has passed.
	CircuitOpen
	// CircuitHalfOpen admits a single probe call.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a provider call is rejected by its breaker.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig controls breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed provider calls
	// that opens the circuit. Default: 5.
	FailureThreshold int

	// Cooldown is how long an open circuit rejects calls before letting a
	// probe through. Default: 30s.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the defaults used when no config is given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// Breaker tracks consecutive failures of one provider.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool

	now func() time.Time
}

func newBreaker(name string, cfg BreakerConfig, now func() time.Time) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{name: name, cfg: cfg, now: now}
}

// Allow reports whether a call may proceed. An open circuit past its cooldown
// moves to half-open and admits exactly one probe until Record is called.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrCircuitOpen
		}
		b.setState(CircuitHalfOpen)
		b.probing = true
		return nil
	case CircuitHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Record reports the outcome of an admitted call. failed=false closes a
// half-open circuit; failed=true counts toward the threshold and reopens a
// half-open circuit immediately.
func (b *Breaker) Record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if !failed {
		b.failures = 0
		if b.state != CircuitClosed {
			b.setState(CircuitClosed)
		}
		return
	}

	b.failures++
	switch b.state {
	case CircuitHalfOpen:
		b.openedAt = b.now()
		b.setState(CircuitOpen)
	case CircuitClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.setState(CircuitOpen)
		}
	}
}

// Release frees a half-open probe slot without counting a result, for calls
// that were admitted but never reached the provider.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// State returns the current state, reporting an expired open circuit as half-open.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the circuit and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	if b.state != CircuitClosed {
		b.setState(CircuitClosed)
	}
}

func (b *Breaker) setState(to CircuitState) {
	from := b.state
	b.state = to
	zap.L().Info("circuit breaker state change",
		zap.String("provider", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// ProviderBreakers holds one breaker per provider name.
type ProviderBreakers struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewProviderBreakers creates an empty breaker set.
func NewProviderBreakers(cfg BreakerConfig) *ProviderBreakers {
	return &ProviderBreakers{
		cfg:      cfg,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for provider, creating it on first use.
func (pb *ProviderBreakers) Get(provider string) *Breaker {
	pb.mu.RLock()
	b, ok := pb.breakers[provider]
	pb.mu.RUnlock()
	if ok {
		return b
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	if b, ok = pb.breakers[provider]; ok {
		return b
	}
	b = newBreaker(provider, pb.cfg, pb.now)
	pb.breakers[provider] = b
	return b
}

// State returns the state for provider; providers never called are closed.
func (pb *ProviderBreakers) State(provider string) CircuitState {
	pb.mu.RLock()
	b, ok := pb.breakers[provider]
	pb.mu.RUnlock()
	if !ok {
		return CircuitClosed
	}
	return b.State()
}

// Open returns the names of providers whose circuit is currently open, sorted.
func (pb *ProviderBreakers) Open() []string {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	var names []string
	for name, b := range pb.breakers {
		if b.State() == CircuitOpen {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
