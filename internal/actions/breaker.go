package actions

import (
	"sync"
	"time"

	"github.com/rendis/riskflow/pkg/schema"
)

// BreakerState is the state of one service's circuit.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls flow
	BreakerOpen                         // calls rejected until the cooldown ends
	BreakerHalfOpen                     // a limited number of probe calls
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures every service circuit.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls.
	Cooldown time.Duration
	// HalfOpenMax probe calls are let through after the cooldown.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the configuration used when none is given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

type breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probes      int
}

// Breakers keeps one circuit per integration service.
type Breakers struct {
	mu       sync.Mutex
	circuits map[string]*breaker
	cfg      BreakerConfig
	now      func() time.Time
}

// NewBreakers creates the circuit set.
func NewBreakers(cfg BreakerConfig) *Breakers {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	return &Breakers{circuits: make(map[string]*breaker), cfg: cfg, now: time.Now}
}

// Allow reports whether a call to service may go out. A rejected call fails
// with INTEGRATION_ERROR without touching the service.
func (b *Breakers) Allow(service string) error {
	cb := b.get(service)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		elapsed := b.now().Sub(cb.lastFailure)
		if elapsed >= b.cfg.Cooldown {
			cb.state = BreakerHalfOpen
			cb.probes = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeIntegration,
			"circuit open for service %q after %d consecutive failures", service, cb.failures).
			WithDetails(map[string]any{
				"service":            service,
				"circuit":            cb.state.String(),
				"failures":           cb.failures,
				"cooldown_remaining": (b.cfg.Cooldown - elapsed).String(),
			})

	case BreakerHalfOpen:
		if cb.probes >= b.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeIntegration,
				"circuit half-open for service %q: probe in flight", service).
				WithDetails(map[string]any{"service": service, "circuit": cb.state.String()})
		}
		cb.probes++
	}
	return nil
}

// Success closes the service's circuit.
func (b *Breakers) Success(service string) {
	cb := b.get(service)
	cb.mu.Lock()
	cb.failures, cb.probes, cb.state = 0, 0, BreakerClosed
	cb.mu.Unlock()
}

// Failure counts a failed call and returns the resulting state. Any failure
// while half-open reopens the circuit.
func (b *Breakers) Failure(service string) BreakerState {
	cb := b.get(service)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = b.now()
	if cb.state == BreakerHalfOpen || cb.failures >= b.cfg.FailureThreshold {
		cb.state = BreakerOpen
	}
	return cb.state
}

// State returns the service's circuit state, moving an open circuit whose
// cooldown has ended to half-open.
func (b *Breakers) State(service string) BreakerState {
	cb := b.get(service)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerOpen && b.now().Sub(cb.lastFailure) >= b.cfg.Cooldown {
		cb.state = BreakerHalfOpen
		cb.probes = 0
	}
	return cb.state
}

// Stats returns diagnostics for one service.
func (b *Breakers) Stats(service string) map[string]any {
	cb := b.get(service)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]any{
		"service":           service,
		"state":             cb.state.String(),
		"failures":          cb.failures,
		"failure_threshold": b.cfg.FailureThreshold,
		"cooldown":          b.cfg.Cooldown.String(),
	}
}

func (b *Breakers) get(service string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.circuits[service]
	if !ok {
		cb = &breaker{}
		b.circuits[service] = cb
	}
	return cb
}
