package hedge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianre/meridian/internal/config"
	"github.com/meridianre/meridian/pkg/errors"
)

// BreakerState represents the state of a venue circuit breaker.
type BreakerState int32

const (
	// StateClosed - normal operation, calls pass through
	StateClosed BreakerState = iota
	// StateOpen - circuit is open, calls are rejected
	StateOpen
	// StateHalfOpen - probing whether the venue has recovered
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker is a per-venue circuit breaker. Repeated transient failures open
// the circuit; after the open timeout a limited number of probe calls run
// half-open, and a full set of successes closes it again.
type breaker struct {
	venue       string
	maxFailures int
	openTimeout time.Duration
	maxProbes   int

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probes      int
	probeWins   int

	logger *zap.Logger
	now    func() time.Time
}

func newBreaker(venue string, cfg config.HedgeConfig, logger *zap.Logger, now func() time.Time) *breaker {
	return &breaker{
		venue:       venue,
		maxFailures: cfg.BreakerMaxFailures,
		openTimeout: cfg.BreakerOpenTimeout,
		maxProbes:   cfg.BreakerHalfOpenProbes,
		state:       StateClosed,
		logger:      logger,
		now:         now,
	}
}

// Execute runs fn under breaker protection. An open circuit rejects the
// call with CodeCircuitOpen without invoking fn.
func (b *breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		return errors.New(errors.CodeCircuitOpen, "venue "+b.venue+" circuit is open").
			WithField("venue", b.venue)
	}
	err := fn(ctx)
	if err != nil {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
	return err
}

// State returns the current breaker state.
func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.openTimeout {
			b.state = StateHalfOpen
			b.probes = 0
			b.probeWins = 0
			b.logger.Info("venue breaker half-open", zap.String("venue", b.venue))
			b.probes++
			return true
		}
		return false
	case StateHalfOpen:
		if b.probes < b.maxProbes {
			b.probes++
			return true
		}
		return false
	default:
		return false
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probeWins++
		if b.probeWins >= b.maxProbes {
			b.state = StateClosed
			b.failures = 0
			b.logger.Info("venue breaker closed", zap.String("venue", b.venue))
		}
		return
	}
	b.failures = 0
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.now()
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.logger.Warn("venue breaker reopened during probe", zap.String("venue", b.venue))
	case StateClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.state = StateOpen
			b.logger.Warn("venue breaker opened",
				zap.String("venue", b.venue),
				zap.Int("failures", b.failures))
		}
	}
}
