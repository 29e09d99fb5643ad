package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"transient fault", New(Transient, "fetch issue", errors.New("503")), Transient},
		{"conflict fault", New(Conflict, "merge staging", errors.New("conflict in a.go")), Conflict},
		{"budget fault", Newf(Budget, "invoke agent", "cost %.2f over ceiling", 12.5), Budget},
		{"wrapped fault", fmt.Errorf("outer: %w", New(Transient, "push", errors.New("reset"))), Transient},
		{"plain error", errors.New("boom"), Permanent},
		{"nil-wrapped", New(Permanent, "op", nil), Permanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestFault_ErrorAndUnwrap(t *testing.T) {
	inner := errors.New("connection reset")
	f := New(Transient, "list comments", inner)

	assert.Equal(t, "list comments failed: connection reset", f.Error())
	assert.True(t, errors.Is(f, inner))
	assert.True(t, IsTransient(f))
	assert.False(t, IsConflict(f))
}

func TestRetryableStatus(t *testing.T) {
	for _, status := range []int{429, 500, 502, 503, 504, 599} {
		assert.True(t, RetryableStatus(status), "status %d", status)
	}
	for _, status := range []int{200, 400, 401, 403, 404, 422} {
		assert.False(t, RetryableStatus(status), "status %d", status)
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	cfg := &RetryConfig{MaxAttempts: 4, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return New(Transient, "op", errors.New("flaky"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), nil, func() error {
		calls++
		return New(Permanent, "op", errors.New("bad input"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, Permanent, KindOf(err))
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := &RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

	err := Retry(context.Background(), cfg, func() error {
		calls++
		return New(Transient, "op", errors.New("still flaky"))
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
}

func TestRetry_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := &RetryConfig{MaxAttempts: 5, InitialBackoff: 10 * time.Millisecond}
	err := Retry(ctx, cfg, func() error {
		return New(Transient, "op", errors.New("flaky"))
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
