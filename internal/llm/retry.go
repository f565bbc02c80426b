package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// maxRetryAfter caps how long a Retry-After header may stall a call.
const maxRetryAfter = 5 * time.Minute

// statusError is a retryable upstream status.
type statusError struct {
	status int
}

func (e *statusError) Error() string { return fmt.Sprintf("upstream status %d", e.status) }

// doWithRetry runs do up to MaxRetries+1 times. Only transient network
// errors, 408, 429 and 5xx are retried; Retry-After is honored. The backoff
// is exponential with jitter and bounded by ctx.
func (c *client) doWithRetry(
	ctx context.Context,
	body []byte,
	do func(ctx context.Context, body []byte) (*http.Response, error),
) (*http.Response, error) {
	maxAttempts := uint(c.cfg.MaxRetries + 1)
	attempt := 0

	op := func() (*http.Response, error) {
		attempt++
		if err := ctx.Err(); err != nil {
			return nil, backoff.Permanent(err)
		}

		start := time.Now()
		resp, err := do(ctx, body)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		c.logger.Debug("llm upstream request",
			zap.Int("attempt", attempt),
			zap.Uint("max_attempts", maxAttempts),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, backoff.Permanent(err)
			}
			if !isTransientNetError(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}

		if !shouldRetryStatus(status) {
			return resp, nil
		}

		retryAfter := parseRetryAfter(resp)
		// Close before retrying so the connection can be reused.
		if resp.Body != nil {
			resp.Body.Close()
		}

		serr := &statusError{status: status}
		if retryAfter > 0 {
			c.logger.Info("honoring Retry-After header",
				zap.Duration("wait", retryAfter),
				zap.Int("status", status),
			)
			return nil, fmt.Errorf("%w: %w", serr, &backoff.RetryAfterError{Duration: retryAfter})
		}
		return nil, serr
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(maxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("backing off before retry",
				zap.Error(err),
				zap.Duration("backoff", next),
				zap.Int("next_attempt", attempt+1),
			)
		}),
	)
	if err == nil {
		return resp, nil
	}

	var serr *statusError
	if !errors.As(err, &serr) && !isTransientNetError(err) {
		return nil, err
	}

	c.logger.Warn("llm request exhausted all retries",
		zap.Int("attempts", attempt),
		zap.Error(err),
	)
	return nil, fmt.Errorf("llmclient: max retries (%d) exceeded: %w", attempt, err)
}

func (c *client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BaseBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	return b
}

// isTransientNetError reports whether a transport error is worth retrying.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "read", "write":
			return true
		}
	}

	// Wrapped errors sometimes only keep the message.
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func shouldRetryStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return true
	case status >= 500 && status <= 599:
		return true
	default:
		return false
	}
}

// parseRetryAfter reads Retry-After as seconds or an HTTP date.
// Returns 0 if the header is missing or invalid.
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}

	var d time.Duration
	if seconds, err := strconv.Atoi(v); err == nil {
		d = time.Duration(seconds) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = time.Until(t)
	}

	if d <= 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}
