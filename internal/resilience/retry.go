package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/capitalize-ai/recovery-companion/pkg/logger"
	"github.com/capitalize-ai/recovery-companion/pkg/metrics"
)

// RetryPolicy configures bounded retries with jittered exponential backoff.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the nominal wait before the first retry.
	BaseDelay time.Duration
	// Multiplier grows the nominal wait after each retry.
	Multiplier float64
	// MaxDelay caps the nominal wait.
	MaxDelay time.Duration
	// JitterFraction scales each wait by a random factor in [1-j, 1+j].
	JitterFraction float64
}

// DefaultRetryPolicy returns the policy used when nothing is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		Multiplier:     2.0,
		MaxDelay:       8 * time.Second,
		JitterFraction: 0.2,
	}
}

// Validate checks if the policy is usable.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return errors.New("retry policy: max attempts must be at least 1")
	case p.BaseDelay <= 0:
		return errors.New("retry policy: base delay must be positive")
	case p.MaxDelay < p.BaseDelay:
		return errors.New("retry policy: max delay must not be below base delay")
	case p.Multiplier < 1:
		return errors.New("retry policy: multiplier must be at least 1")
	case p.JitterFraction < 0 || p.JitterFraction >= 1:
		return errors.New("retry policy: jitter fraction must be in [0, 1)")
	}
	return nil
}

// NominalDelay returns the un-jittered wait before the given retry (1-based):
// min(BaseDelay * Multiplier^(retry-1), MaxDelay).
func (p RetryPolicy) NominalDelay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retry-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// NewBackOff returns a fresh backoff sequence for one logical call.
func (p RetryPolicy) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = p.JitterFraction
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Operation is one attempt of a logical call. attempt is 1-based.
type Operation func(ctx context.Context, attempt int) error

// Executor runs an operation with bounded retries, consulting the breaker
// before every attempt. Sleeping between attempts holds no lock.
type Executor struct {
	breaker        *Breaker
	policy         RetryPolicy
	classify       Classifier
	attemptTimeout time.Duration
	logger         *logger.Logger
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates a retry executor. attemptTimeout bounds each attempt;
// zero leaves attempts bounded only by the caller's context.
func NewExecutor(breaker *Breaker, policy RetryPolicy, classify Classifier, attemptTimeout time.Duration, log *logger.Logger) *Executor {
	return &Executor{
		breaker:        breaker,
		policy:         policy,
		classify:       classify,
		attemptTimeout: attemptTimeout,
		logger:         log,
		sleep:          sleepContext,
	}
}

// Execute runs op until it succeeds, fails with a non-retryable
// classification, fails after partial output (see AfterFirstByte), the
// breaker rejects an attempt, or MaxAttempts is exhausted. It returns the
// number of attempts made and, on failure, a *Failure.
func (e *Executor) Execute(ctx context.Context, op Operation) (int, error) {
	bo := e.policy.NewBackOff()

	var lastErr error
	var lastClass Classification

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, e.fail(err, attempt-1, false)
		}

		permit, err := e.breaker.Allow()
		if err != nil {
			metrics.RecordUpstreamAttempt(string(KindCircuitOpen))
			return attempt - 1, e.fail(err, attempt-1, false)
		}

		err = e.attempt(ctx, op, attempt)
		if err == nil {
			e.breaker.Done(permit, OutcomeSuccess)
			metrics.RecordUpstreamAttempt("success")
			return attempt, nil
		}

		class := e.classify(err)
		if class.Kind.CountsAsFailure() {
			e.breaker.Done(permit, OutcomeFailure)
		} else {
			e.breaker.Done(permit, OutcomeIgnored)
		}
		metrics.RecordUpstreamAttempt(string(class.Kind))

		lastErr, lastClass = err, class

		if IsAfterFirstByte(err) || !class.Retryable {
			return attempt, &Failure{Classification: class, Attempts: attempt, Err: err}
		}
		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		if class.RetryAfter > delay {
			delay = class.RetryAfter
		}

		e.logger.Warn("upstream attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.policy.MaxAttempts),
			zap.String("kind", string(class.Kind)),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		if err := e.sleep(ctx, delay); err != nil {
			return attempt, e.fail(err, attempt, false)
		}
	}

	return e.policy.MaxAttempts, &Failure{
		Classification: lastClass,
		Attempts:       e.policy.MaxAttempts,
		Exhausted:      true,
		Err:            lastErr,
	}
}

// attempt runs op under the per-attempt deadline. A deadline hit surfaces as
// context.DeadlineExceeded even when the operation reports some other error
// while unwinding.
func (e *Executor) attempt(ctx context.Context, op Operation, attempt int) error {
	attemptCtx := ctx
	cancel := func() {}
	if e.attemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, e.attemptTimeout)
	}
	defer cancel()

	err := op(attemptCtx, attempt)
	if err == nil {
		return nil
	}

	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		timeoutErr := fmt.Errorf("attempt %d: %w (%v)", attempt, context.DeadlineExceeded, err)
		if IsAfterFirstByte(err) {
			return AfterFirstByte(timeoutErr)
		}
		return timeoutErr
	}
	return err
}

func (e *Executor) fail(err error, attempts int, exhausted bool) *Failure {
	return &Failure{
		Classification: e.classify(err),
		Attempts:       attempts,
		Exhausted:      exhausted,
		Err:            err,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
