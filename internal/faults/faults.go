// Package faults defines the error taxonomy shared by the orchestration
// engine and its collaborators.
//
// Every failure crossing a component boundary is classified into one of four
// kinds, which decide how the engine reacts:
//
//   - Transient: network errors, HTTP 429/502/503/504. Safe to retry with
//     backoff before surfacing.
//   - Conflict: merge conflicts. Never auto-retried; requires manual
//     resolution or a new implementation cycle.
//   - Budget: agent turn or cost ceiling exceeded. Surfaced, not retried.
//   - Permanent: everything else (logic errors, missing required output,
//     no-op implementations).
package faults

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Kind classifies a fault.
type Kind string

const (
	Transient Kind = "transient"
	Conflict  Kind = "conflict"
	Budget    Kind = "budget"
	Permanent Kind = "permanent"
)

// Fault is a classified error carrying the operation that produced it.
type Fault struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s failed (%s)", f.Op, f.Kind)
	}
	return fmt.Sprintf("%s failed: %s", f.Op, f.Err.Error())
}

// Unwrap allows errors.Is and errors.As to reach the underlying error.
func (f *Fault) Unwrap() error {
	return f.Err
}

// New creates a classified fault for the given operation.
func New(kind Kind, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified fault from a format string.
func Newf(kind Kind, op, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err. Unclassified errors are Permanent.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return Permanent
}

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool { return KindOf(err) == Transient }

// IsConflict reports whether err is classified as a merge conflict.
func IsConflict(err error) bool { return KindOf(err) == Conflict }

// IsBudget reports whether err is classified as a budget ceiling.
func IsBudget(err error) bool { return KindOf(err) == Budget }

// RetryableStatus reports whether an HTTP status code is safe to retry.
func RetryableStatus(status int) bool {
	switch status {
	case 429, 502, 503, 504:
		return true
	}
	return status >= 500 && status < 600
}

// RetryConfig configures Retry.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 4.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth. Default: 30s.
	MaxBackoff time.Duration

	// Multiplier grows the backoff between attempts. Default: 2.
	Multiplier float64
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 4
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
}

// Retry runs op, retrying transient faults with exponential backoff plus
// jitter up to the attempt ceiling. Non-transient faults are returned
// immediately. The last transient error is returned once attempting stops.
func Retry(ctx context.Context, cfg *RetryConfig, op func() error) error {
	if cfg == nil {
		cfg = &RetryConfig{}
	}
	cfg.ApplyDefaults()

	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
		if attempt == cfg.MaxAttempts {
			break
		}

		// Full jitter over [backoff/2, backoff).
		delay := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry canceled: %w", ctx.Err())
		case <-time.After(delay):
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
