package hosting

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/fyrsmithlabs/autodev/internal/faults"
)

// retryAPICall retries a hosting API operation with exponential backoff plus
// jitter, honoring rate-limit reset times when the API reports them. Non-retryable
// failures surface immediately.
func retryAPICall(ctx context.Context, cfg *faults.RetryConfig, operation func() (*github.Response, error)) error {
	if cfg == nil {
		cfg = &faults.RetryConfig{}
	}
	cfg.ApplyDefaults()

	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		resp, err := operation()
		if err == nil {
			return nil
		}
		if !isRetryable(err, resp) {
			return err
		}
		lastErr = err
		if attempt == cfg.MaxAttempts {
			break
		}

		// Full jitter over [backoff/2, backoff).
		delay := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
		if isRateLimited(resp) {
			delay = rateLimitBackoff(resp, cfg.MaxBackoff)
		}

		select {
		case <-ctx.Done():
			return faults.New(faults.Transient, "hosting retry", ctx.Err())
		case <-time.After(delay):
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return faults.New(faults.Transient, "hosting api", lastErr)
}

// isRetryable checks status codes the same way transient faults are defined:
// rate limiting and server errors retry, client errors do not.
func isRetryable(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}
	if resp != nil && resp.Response != nil {
		status := resp.Response.StatusCode
		// 403 can be a secondary rate limit; rate headers distinguish it.
		if status == http.StatusForbidden {
			return resp.Rate.Limit > 0
		}
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			return false
		}
		return faults.RetryableStatus(status)
	}
	// No response at all: network-level failure.
	return true
}

func isRateLimited(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		return false
	}
	if resp.Response.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return resp.Response.StatusCode == http.StatusForbidden && resp.Rate.Limit > 0
}

// rateLimitBackoff waits until the reported rate-limit reset, bounded by
// maxBackoff.
func rateLimitBackoff(resp *github.Response, maxBackoff time.Duration) time.Duration {
	if resp == nil || (resp.Rate.Limit == 0 && resp.Rate.Remaining == 0) {
		return time.Minute
	}

	backoff := time.Until(resp.Rate.Reset.Time) + time.Second
	if backoff < 0 {
		backoff = time.Second
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
