// Package retry holds the backoff policy for transient failures and the
// error wrappers that classify a failure as retryable or fatal.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string     { return e.err.Error() }
func (e *retryableError) IsRetryable() bool { return true }
func (e *retryableError) Unwrap() error     { return e.err }

func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

type FatalError interface {
	error
	IsFatal() bool
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) IsFatal() bool { return true }
func (e *fatalError) Unwrap() error { return e.err }

func NewFatalError(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err, or anything it wraps, is a FatalError.
// Unclassified errors are not fatal.
func IsFatal(err error) bool {
	var fe FatalError
	return errors.As(err, &fe) && fe.IsFatal()
}

// Policy bounds a retry loop. MaxAttempts counts the first attempt.
type Policy struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// DefaultPolicy is three attempts, one minute apart, doubling up to an hour.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Minute,
		MaxInterval:     time.Hour,
		Multiplier:      2.0,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// Exhausted reports whether attempts has used the whole budget.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.normalized().MaxAttempts
}

// Delay returns the wait before the next attempt after the given number of
// failed attempts (1-based). The schedule is deterministic: there is no
// jitter, so the same attempt count always yields the same delay.
func (p Policy) Delay(failedAttempts int) time.Duration {
	p = p.normalized()
	b := p.exponential()
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < failedAttempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p Policy) exponential() *backoff.ExponentialBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	return exp
}

// Do runs fn until it succeeds, returns a FatalError, the context ends, or
// the attempt budget is spent. Unclassified errors are retried.
func Do(ctx context.Context, p Policy, fn func() error) error {
	p = p.normalized()
	var b backoff.BackOff = p.exponential()
	b = backoff.WithContext(b, ctx)
	b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
