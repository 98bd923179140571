package ctag

import (
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// RetryConfig tunes the resilience layer wrapped around every outbound
// request.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt; it doubles on
	// each further attempt up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxJitter is added (never subtracted) on top of every computed delay.
	MaxJitter time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    6,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		MaxJitter:      1 * time.Second,
	}
}

// Retrier executes rebuildable HTTP requests with bounded exponential
// backoff. Requests must be supplied as a builder closure because a request
// body cannot be replayed once sent.
type Retrier struct {
	config RetryConfig
	client *http.Client
	logger *zap.SugaredLogger

	// sleep is swapped out in tests to observe delays without waiting.
	sleep func(time.Duration)
}

func NewRetrier(config RetryConfig, client *http.Client, logger *zap.SugaredLogger) *Retrier {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Retrier{
		config: config,
		client: client,
		logger: logger,
		sleep:  time.Sleep,
	}
}

// Do executes the built request, retrying on transport errors, 5xx, and 429.
// After the final attempt it returns the last response for 5xx/429, or the
// last transport error. Other statuses, including non-429 4xx, are returned
// to the caller immediately.
func (r *Retrier) Do(build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := r.client.Do(req)
		if err != nil {
			lastErr = err
			if attempt == r.config.MaxAttempts-1 {
				break
			}
			delay := r.backoff(attempt, 0)
			r.logger.Debugw("retrying after transport error",
				"attempt", attempt+1, "delay", delay, "error", err)
			r.sleep(delay)
			continue
		}

		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}

		if attempt == r.config.MaxAttempts-1 {
			return resp, nil
		}

		retryAfter := retryAfterSeconds(resp)
		// The response will not be read; release the connection.
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		delay := r.backoff(attempt, retryAfter)
		r.logger.Debugw("retrying after server response",
			"attempt", attempt+1, "status", resp.StatusCode, "delay", delay)
		r.sleep(delay)
	}

	return nil, lastErr
}

// backoff computes the delay after a failed attempt. A positive retryAfter
// (from a 429 Retry-After header) overrides the exponential schedule; jitter
// is added either way.
func (r *Retrier) backoff(attempt int, retryAfter time.Duration) time.Duration {
	delay := r.config.InitialBackoff << attempt
	if delay > r.config.MaxBackoff || delay <= 0 {
		delay = r.config.MaxBackoff
	}
	if retryAfter > 0 {
		delay = retryAfter
	}
	if r.config.MaxJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(r.config.MaxJitter)))
	}
	return delay
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// retryAfterSeconds parses an integer Retry-After header from a 429 response.
// Zero means no usable value.
func retryAfterSeconds(resp *http.Response) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests {
		return 0
	}
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
