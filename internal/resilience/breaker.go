package resilience

import (
	"sync"
	"time"

	"github.com/capitalize-ai/recovery-companion/pkg/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed is normal operation - calls pass through.
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen means a single trial call is in flight.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Outcome is the result reported for an admitted call.
type Outcome int

const (
	// OutcomeSuccess resets the failure count (and closes a half-open breaker).
	OutcomeSuccess Outcome = iota
	// OutcomeFailure counts towards opening (and re-opens a half-open breaker).
	OutcomeFailure
	// OutcomeIgnored releases the permit without judging upstream health.
	OutcomeIgnored
)

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before admitting a trial call.
	Cooldown time.Duration
}

// BreakerStats is a point-in-time view of the breaker.
type BreakerStats struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	Rejections          int64     `json:"rejections"`
}

// Permit is issued by Allow and must be handed back to Done exactly once.
type Permit struct {
	generation uint64
	trial      bool
}

// Trial reports whether the permit is the half-open trial.
func (p Permit) Trial() bool { return p.trial }

// Breaker tracks upstream health and short-circuits calls while the upstream
// is failing. Every transition bumps a generation counter; outcomes reported
// for permits of an older generation are ignored, so a slow call admitted
// before a transition cannot change the state after it.
//
// Thread Safety: Safe for concurrent use.
type Breaker struct {
	config BreakerConfig
	now    func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	generation          uint64
	rejections          int64
}

// NewBreaker creates a closed breaker.
func NewBreaker(config BreakerConfig) *Breaker {
	return newBreakerWithClock(config, time.Now)
}

func newBreakerWithClock(config BreakerConfig, now func() time.Time) *Breaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	metrics.SetCircuitState(int(StateClosed))
	return &Breaker{
		config: config,
		now:    now,
		state:  StateClosed,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow asks to make one upstream call. It returns ErrCircuitOpen when the
// breaker is open, or when it is half-open and the trial has already been
// claimed. The first caller after the cooldown claims the trial atomically.
func (b *Breaker) Allow() (Permit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return Permit{generation: b.generation}, nil

	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.config.Cooldown {
			b.transition(StateHalfOpen)
			return Permit{generation: b.generation, trial: true}, nil
		}
	}

	b.rejections++
	metrics.CircuitBreakerRejectionsTotal.Inc()
	return Permit{}, ErrCircuitOpen
}

// Done reports the outcome of a call admitted by Allow.
func (b *Breaker) Done(p Permit, outcome Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.generation != b.generation {
		return
	}

	if p.trial {
		switch outcome {
		case OutcomeSuccess:
			b.consecutiveFailures = 0
			b.openedAt = time.Time{}
			b.transition(StateClosed)
		case OutcomeFailure:
			b.openedAt = b.now()
			b.transition(StateOpen)
		case OutcomeIgnored:
			// Back to open with the old openedAt: the next caller may claim
			// a fresh trial straight away.
			b.transition(StateOpen)
		}
		return
	}

	switch outcome {
	case OutcomeSuccess:
		b.consecutiveFailures = 0
	case OutcomeFailure:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	}
}

// Stats returns breaker statistics.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerStats{
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
		Rejections:          b.rejections,
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.openedAt = time.Time{}
	b.transition(StateClosed)
}

// transition changes state. Must be called with lock held.
func (b *Breaker) transition(to State) {
	b.state = to
	b.generation++
	metrics.SetCircuitState(int(to))
}
