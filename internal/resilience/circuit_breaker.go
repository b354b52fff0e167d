package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreaker trips per Specialist identity so one unresponsive agent
// doesn't keep drawing REQ_TIMEOUT_S waits from the Coordinator's retry
// budget. Breakers are keyed by jid, created lazily on first dispatch.
type CircuitBreaker struct {
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex
	settings Settings
}

// Settings defines circuit breaker configuration
type Settings struct {
	MaxRequests      uint32        // Max requests allowed in half-open state
	Interval         time.Duration // Period for collecting stats
	Timeout          time.Duration // Time before transitioning from open to half-open
	FailureThreshold float64       // Failure ratio to trip (0.0-1.0)
	MinRequests      uint32        // Minimum requests before checking failure ratio
	OnStateChange    func(name string, from gobreaker.State, to gobreaker.State)
}

var (
	// ErrCircuitOpen is returned when circuit is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// DefaultSettings provides sensible defaults
	DefaultSettings = Settings{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      10,
	}
)

// NewCircuitBreaker creates a manager holding one breaker per Specialist jid.
// A zero MaxRequests takes DefaultSettings.MaxRequests; the other fields are
// used as given.
func NewCircuitBreaker(settings Settings) *CircuitBreaker {
	if settings.MaxRequests == 0 {
		settings.MaxRequests = DefaultSettings.MaxRequests
	}

	return &CircuitBreaker{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: settings,
	}
}

// Execute runs fn under the breaker for jid.
func (cb *CircuitBreaker) Execute(jid string, fn func() (interface{}, error)) (interface{}, error) {
	breaker := cb.getOrCreateBreaker(jid)

	result, err := breaker.Execute(fn)
	if err == gobreaker.ErrOpenState {
		return nil, ErrCircuitOpen
	}

	return result, err
}

// ExecuteContext runs fn under the breaker for jid, failing fast if ctx is
// already done (the REQ_TIMEOUT_S deadline elapsed before dispatch).
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, jid string, fn func() (interface{}, error)) (interface{}, error) {
	// Check context before execution
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	return cb.Execute(jid, fn)
}

// GetState returns the current state of the breaker for jid.
func (cb *CircuitBreaker) GetState(jid string) gobreaker.State {
	cb.mu.RLock()
	breaker, exists := cb.breakers[jid]
	cb.mu.RUnlock()

	if !exists {
		return gobreaker.StateClosed
	}

	return breaker.State()
}

// GetCounts returns the current counts for the breaker for jid.
func (cb *CircuitBreaker) GetCounts(jid string) gobreaker.Counts {
	cb.mu.RLock()
	breaker, exists := cb.breakers[jid]
	cb.mu.RUnlock()

	if !exists {
		return gobreaker.Counts{}
	}

	return breaker.Counts()
}

// Reset drops the breaker for jid; the next dispatch recreates it closed.
func (cb *CircuitBreaker) Reset(jid string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.breakers, jid)
}

// getOrCreateBreaker gets or creates the breaker for jid.
func (cb *CircuitBreaker) getOrCreateBreaker(jid string) *gobreaker.CircuitBreaker {
	cb.mu.RLock()
	breaker, exists := cb.breakers[jid]
	cb.mu.RUnlock()

	if exists {
		return breaker
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Double-check after acquiring write lock
	if breaker, exists := cb.breakers[jid]; exists {
		return breaker
	}

	// Create new breaker
	breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        jid,
		MaxRequests: cb.settings.MaxRequests,
		Interval:    cb.settings.Interval,
		Timeout:     cb.settings.Timeout,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cb.settings.MinRequests {
				return false
			}

			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cb.settings.FailureThreshold
		},

		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if cb.settings.OnStateChange != nil {
				cb.settings.OnStateChange(name, from, to)
			}
		},
	})

	cb.breakers[jid] = breaker
	return breaker
}

// ListBreakers returns a list of all circuit breaker names
func (cb *CircuitBreaker) ListBreakers() []string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	names := make([]string, 0, len(cb.breakers))
	for name := range cb.breakers {
		names = append(names, name)
	}
	return names
}

// GetStats returns statistics for all circuit breakers
func (cb *CircuitBreaker) GetStats() map[string]BreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	stats := make(map[string]BreakerStats)
	for name, breaker := range cb.breakers {
		counts := breaker.Counts()
		stats[name] = BreakerStats{
			State:           breaker.State().String(),
			Requests:        counts.Requests,
			TotalSuccesses:  counts.TotalSuccesses,
			TotalFailures:   counts.TotalFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
		}
	}
	return stats
}

// BreakerStats represents circuit breaker statistics
type BreakerStats struct {
	State                string
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}
