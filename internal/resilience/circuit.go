// Package resilience provides the retry, circuit breaker and failure
// classification shared by every inference call and store write.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState is the admission state of a model's breaker.
type CircuitState int

const (
	// CircuitClosed admits every call.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the cool-down elapses.
	CircuitOpen
	// CircuitHalfOpen admits one trial call at a time.
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

// ErrCircuitOpen is returned when a model's breaker refuses a call.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig sets when a model is considered down and for how long.
type CircuitBreakerConfig struct {
	// FailureThreshold is the run of consecutive degraded calls that opens
	// the breaker.
	FailureThreshold int
	// ResetTimeout is the cool-down before a trial call is admitted.
	ResetTimeout time.Duration
}

// DefaultCircuitBreakerConfig opens after 5 degraded calls for 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second}
}

// CircuitBreaker guards calls to one model. Only timeouts and unavailability
// count against it; a model answering with unparseable text is still up.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	trial    bool
}

// NewCircuitBreaker returns a closed breaker for the named model.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	return &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
}

// ExecuteVal runs fn if cb admits it and records the outcome. A nil breaker
// calls fn directly. Refusals are endpoint_unavailable so callers fall back.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if cb == nil {
		return fn(ctx)
	}
	if err := cb.admit(); err != nil {
		var zero T
		return zero, Unavailable(eris.Wrapf(err, "model %s", cb.name))
	}
	val, err := fn(ctx)
	cb.settle(err)
	return val, err
}

// State reports the breaker's state, showing an open breaker whose cool-down
// has elapsed as half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.cooled() {
		return CircuitHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) cooled() bool {
	return cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if !cb.cooled() {
			return ErrCircuitOpen
		}
		cb.move(CircuitHalfOpen)
	case CircuitHalfOpen:
		if cb.trial {
			return ErrCircuitOpen
		}
	default:
		return nil
	}
	cb.trial = true
	return nil
}

func (cb *CircuitBreaker) settle(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	degraded := err != nil && Degraded(err)
	if cb.state == CircuitHalfOpen {
		cb.trial = false
		if degraded {
			cb.openedAt = cb.now()
			cb.move(CircuitOpen)
			return
		}
		cb.failures = 0
		cb.move(CircuitClosed)
		return
	}

	if !degraded {
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.state == CircuitClosed && cb.failures >= cb.cfg.FailureThreshold {
		cb.openedAt = cb.now()
		cb.move(CircuitOpen)
	}
}

// move must be called with mu held.
func (cb *CircuitBreaker) move(to CircuitState) {
	if cb.state == to {
		return
	}
	zap.L().Warn("resilience: circuit state change",
		zap.String("model", cb.name),
		zap.Stringer("from", cb.state),
		zap.Stringer("to", to),
	)
	cb.state = to
}

// ServiceBreakers keeps one breaker per model, so an unavailable deep-tier
// model does not trip the breaker of its fallback.
type ServiceBreakers struct {
	cfg      CircuitBreakerConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewServiceBreakers returns an empty per-model registry.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for model, creating it on first use. A nil
// registry returns nil, which ExecuteVal treats as no breaker.
func (sb *ServiceBreakers) Get(model string) *CircuitBreaker {
	if sb == nil {
		return nil
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	cb, ok := sb.breakers[model]
	if !ok {
		cb = NewCircuitBreaker(model, sb.cfg)
		sb.breakers[model] = cb
	}
	return cb
}
