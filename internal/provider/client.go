// Package provider holds the clients for the upstream weather APIs the
// collector fetches from. All outbound HTTP calls are routed through the
// BaseClient, which enforces consistent resilience patterns: circuit
// breaking, retries with exponential backoff, trace propagation, and error
// mapping.
package provider

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"agromet/internal/types"
)

// RetryPolicy configures the retry behavior for the BaseClient.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns sensible defaults for upstream forecast APIs.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    time.Second,
		MaxWait:    10 * time.Second,
	}
}

// BaseClient wraps an *http.Client and a circuit breaker so every provider
// client inherits the same resilience behavior. 4xx responses other than
// 429 are terminal and returned to the caller; 429 and 5xx retry with
// backoff and count against the breaker.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	policy    RetryPolicy
	userAgent string
	sleep     func(time.Duration)
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the sleep between retries, for tests.
func WithSleepFunc(fn func(time.Duration)) BaseClientOption {
	return func(c *BaseClient) {
		c.sleep = fn
	}
}

// NewBaseClient creates a BaseClient with the given http client, circuit
// breaker name, retry policy, and user agent string.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	policy RetryPolicy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	bc := &BaseClient{
		client: httpClient,
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        breakerName,
			MaxRequests: 1,
			Interval:    2 * time.Minute,
			Timeout:     45 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
		policy:    policy,
		userAgent: userAgent,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// Do executes the request under the breaker and retry policy. The request
// id from the context propagates as X-Request-Id so upstream support can
// correlate. Any response the server actually answered with, other than
// 429 and 5xx, is returned as-is with its body open; the caller closes it.
// Exhausted retries and open-breaker rejections come back as AppErrors.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if rid := types.GetRequestID(req.Context()); rid != "" {
		req.Header.Set("X-Request-Id", rid)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	rewind, err := bodyRewinder(req)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to buffer request body for retries", err)
	}

	var lastResp *http.Response
	var lastErr error
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		rewind(req)

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			return c.roundTrip(req)
		})
		if err == nil {
			return resp, nil
		}
		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastResp, lastErr = resp, err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		// Terminal answers (4xx other than 429) pass through untouched.
		if resp != nil && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return resp, nil
		}
		if attempt < c.policy.MaxRetries {
			c.sleep(c.backoff(attempt, resp))
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, c.upstreamError(lastResp, lastErr)
}

// roundTrip performs one exchange, failing 429 and 5xx so they count
// against the breaker and feed the retry loop.
func (c *BaseClient) roundTrip(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return resp, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	return resp, nil
}

// bodyRewinder snapshots the request body once and returns a function that
// reinstalls it before each attempt. Bodiless requests get a no-op.
func bodyRewinder(req *http.Request) (func(*http.Request), error) {
	if req.Body == nil {
		return func(*http.Request) {}, nil
	}
	buf, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	return func(r *http.Request) {
		r.Body = io.NopCloser(bytes.NewReader(buf))
		r.ContentLength = int64(len(buf))
	}, nil
}

// backoff picks the wait before the next attempt: the Retry-After header
// when the server sent one, otherwise full jitter over an exponentially
// growing window, both clamped to [MinWait, MaxWait].
func (c *BaseClient) backoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if wait, ok := retryAfterDelay(resp.Header.Get("Retry-After")); ok {
			return c.clamp(wait)
		}
	}
	ceiling := c.policy.MinWait << uint(attempt)
	if ceiling > c.policy.MaxWait || ceiling <= 0 {
		ceiling = c.policy.MaxWait
	}
	return c.clamp(time.Duration(rand.Int64N(int64(ceiling) + 1)))
}

func (c *BaseClient) clamp(d time.Duration) time.Duration {
	if d < c.policy.MinWait {
		return c.policy.MinWait
	}
	if d > c.policy.MaxWait {
		return c.policy.MaxWait
	}
	return d
}

// retryAfterDelay parses a Retry-After value in either the delta-seconds
// or the HTTP-date form.
func retryAfterDelay(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at), true
	}
	return 0, false
}

// upstreamError maps a dead exchange to the domain error model.
func (c *BaseClient) upstreamError(resp *http.Response, err error) *types.AppError {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			"circuit breaker is open; upstream unavailable", err)
	case resp != nil && resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			"upstream rate limit exceeded", err)
	case resp != nil && resp.StatusCode >= 500:
		return types.NewAppError(types.ErrCodeUpstreamProvider,
			fmt.Sprintf("upstream returned %d after retries", resp.StatusCode), err).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	default:
		return types.NewAppError(types.ErrCodeUpstreamProvider,
			"upstream request failed", err)
	}
}
