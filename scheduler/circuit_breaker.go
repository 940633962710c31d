package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/types"
)

// BreakerState is the state of a worker's circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the recovery timeout elapses.
	BreakerOpen
	// BreakerHalfOpen admits a limited number of probe calls.
	BreakerHalfOpen
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

// BreakerConfig configures a worker circuit breaker. A zero FailureThreshold
// disables the breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenProbes   int           `yaml:"half_open_probes" json:"half_open_probes"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
}

// DefaultBreakerConfig returns the defaults applied to registered workers.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenProbes:   3,
		SuccessThreshold: 2,
	}
}

// circuitBreaker tracks consecutive failures of one worker.
type circuitBreaker struct {
	worker    string
	config    BreakerConfig
	state     BreakerState
	failures  int
	successes int
	probes    int
	openedAt  time.Time
	now       func() time.Time
	logger    *zap.Logger
	mu        sync.Mutex
}

func newCircuitBreaker(worker string, config BreakerConfig, logger *zap.Logger) *circuitBreaker {
	return &circuitBreaker{
		worker: worker,
		config: config,
		state:  BreakerClosed,
		now:    time.Now,
		logger: logger.With(zap.String("worker", worker)),
	}
}

func (cb *circuitBreaker) disabled() bool {
	return cb.config.FailureThreshold <= 0
}

// Available reports whether a call would currently be admitted, without
// consuming a half-open probe.
func (cb *circuitBreaker) Available() bool {
	if cb.disabled() {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerOpen:
		return cb.now().Sub(cb.openedAt) >= cb.config.RecoveryTimeout
	case BreakerHalfOpen:
		return cb.probes < cb.config.HalfOpenProbes
	default:
		return true
	}
}

// Allow admits a call or returns a retryable TASK_EXECUTION_FAILED error.
func (cb *circuitBreaker) Allow() error {
	if cb.disabled() {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		wait := cb.config.RecoveryTimeout - cb.now().Sub(cb.openedAt)
		if wait > 0 {
			return types.Errorf(types.ErrTaskExecution,
				"circuit open for worker %s after %d consecutive failures, retry after %v",
				cb.worker, cb.failures, wait).WithRetryable(true)
		}
		cb.transition(BreakerHalfOpen, "recovery timeout elapsed")
		cb.probes = 1
		cb.successes = 0
		return nil
	case BreakerHalfOpen:
		if cb.probes >= cb.config.HalfOpenProbes {
			return types.Errorf(types.ErrTaskExecution,
				"circuit half-open for worker %s: probe limit %d reached",
				cb.worker, cb.config.HalfOpenProbes).WithRetryable(true)
		}
		cb.probes++
		return nil
	default:
		return nil
	}
}

func (cb *circuitBreaker) RecordSuccess() {
	if cb.disabled() {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(BreakerClosed, "probes succeeded")
			cb.failures = 0
			cb.successes = 0
			cb.probes = 0
		}
	}
}

func (cb *circuitBreaker) RecordFailure() {
	if cb.disabled() {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	switch cb.state {
	case BreakerClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.openedAt = cb.now()
			cb.transition(BreakerOpen, "failure threshold reached")
		}
	case BreakerHalfOpen:
		cb.successes = 0
		cb.openedAt = cb.now()
		cb.transition(BreakerOpen, "probe failed")
	}
}

func (cb *circuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition must be called with mu held.
func (cb *circuitBreaker) transition(to BreakerState, reason string) {
	from := cb.state
	cb.state = to
	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", from.String()),
		zap.String("new_state", to.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))
}
