package engine

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrCircuitOpen = errors.New("topology type is failing repeatedly")

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	// FailureThreshold consecutive crashes open the breaker; zero disables it
	FailureThreshold int
	Cooldown         time.Duration
}

// crashBreaker stops a worker from restarting a topology type that keeps
// crashing. After the cooldown one start is let through; a crash reopens the
// breaker, a clean stop closes it.
type crashBreaker struct {
	config       BreakerConfig
	state        BreakerState
	failureCount int
	lastFailure  time.Time
	mutex        sync.Mutex
	logger       *zap.Logger
}

type typeBreakers struct {
	breakers map[string]*crashBreaker
	config   BreakerConfig
	mutex    sync.Mutex
	logger   *zap.Logger
}

func newTypeBreakers(config BreakerConfig, logger *zap.Logger) *typeBreakers {
	return &typeBreakers{
		breakers: make(map[string]*crashBreaker),
		config:   config,
		logger:   logger,
	}
}

func (tb *typeBreakers) get(kind string) *crashBreaker {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	breaker, ok := tb.breakers[kind]
	if !ok {
		breaker = &crashBreaker{
			config: tb.config,
			state:  BreakerClosed,
			logger: tb.logger.With(zap.String("type", kind)),
		}
		tb.breakers[kind] = breaker
	}
	return breaker
}

func (tb *typeBreakers) states() map[string]BreakerState {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	states := make(map[string]BreakerState, len(tb.breakers))
	for kind, b := range tb.breakers {
		states[kind] = b.State()
	}
	return states
}

func (cb *crashBreaker) allow(now time.Time) bool {
	if cb.config.FailureThreshold <= 0 {
		return true
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case BreakerOpen:
		if now.Sub(cb.lastFailure) < cb.config.Cooldown {
			return false
		}
		cb.state = BreakerHalfOpen
		cb.logger.Info("Crash breaker half-open, allowing one start")
		return true
	case BreakerHalfOpen:
		// a trial start is already in flight
		return false
	default:
		return true
	}
}

func (cb *crashBreaker) recordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failureCount = 0
	if cb.state != BreakerClosed {
		cb.state = BreakerClosed
		cb.logger.Info("Crash breaker closed")
	}
}

func (cb *crashBreaker) recordFailure(now time.Time, err error) {
	if cb.config.FailureThreshold <= 0 {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failureCount++
	cb.lastFailure = now

	switch cb.state {
	case BreakerClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.state = BreakerOpen
			cb.logger.Warn("Crash breaker opened",
				zap.Int("failure_count", cb.failureCount),
				zap.Error(err))
		}
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.logger.Warn("Crash breaker reopened after trial start failed", zap.Error(err))
	}
}

func (cb *crashBreaker) State() BreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}
