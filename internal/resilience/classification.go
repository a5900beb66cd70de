// Package resilience provides the process-wide admission limiter, the
// circuit breaker and the retry executor guarding calls to the completion
// service.
package resilience

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the bounded failure taxonomy.
type Kind string

const (
	KindRateLimited      Kind = "rate_limited"
	KindInvalidRequest   Kind = "invalid_request"
	KindTimeout          Kind = "timeout"
	KindTransientNetwork Kind = "transient_network"
	KindServerFault      Kind = "server_fault"
	KindCircuitOpen      Kind = "circuit_open"
	KindUnknown          Kind = "unknown"
	KindCapacityExceeded Kind = "capacity_exceeded"
	KindCanceled         Kind = "canceled"
)

// Classification is the verdict on one failure.
type Classification struct {
	Kind           Kind
	Retryable      bool
	PatientMessage string
	// RetryAfter is a wait hint supplied by the upstream, zero when absent.
	RetryAfter time.Duration
}

// CountsAsFailure reports whether a failure of this kind indicates upstream
// ill health and must be recorded by the breaker. Malformed requests and
// caller cancellations say nothing about the upstream.
func (k Kind) CountsAsFailure() bool {
	switch k {
	case KindInvalidRequest, KindCanceled, KindCircuitOpen, KindCapacityExceeded:
		return false
	default:
		return true
	}
}

// Classifier maps a raw error to a classification.
type Classifier func(err error) Classification

// ErrCircuitOpen is returned when the breaker short-circuits a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// firstByteError marks a failure that happened after output reached the caller.
type firstByteError struct {
	err error
}

func (e *firstByteError) Error() string {
	return fmt.Sprintf("stream interrupted after first byte: %v", e.err)
}

func (e *firstByteError) Unwrap() error {
	return e.err
}

// AfterFirstByte marks err as occurring after partial output was delivered.
// The executor never retries such failures.
func AfterFirstByte(err error) error {
	if err == nil {
		return nil
	}
	return &firstByteError{err: err}
}

// IsAfterFirstByte reports whether err was marked with AfterFirstByte.
func IsAfterFirstByte(err error) bool {
	var fb *firstByteError
	return errors.As(err, &fb)
}

// Failure is the terminal error returned by Executor.Execute.
type Failure struct {
	Classification Classification
	Attempts       int
	// Exhausted is true when every allowed attempt was used.
	Exhausted bool
	Err       error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", f.Classification.Kind, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}
