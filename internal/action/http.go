package action

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RetryPolicy defines how failed outbound HTTP calls are retried.
type RetryPolicy struct {
	MaxRetries    int           `json:"max_retries"    yaml:"max_retries"`
	InitialDelay  time.Duration `json:"initial_delay"  yaml:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"      yaml:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"`
}

// DefaultRetryPolicy returns a sensible default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      5 * time.Minute,
		BackoffFactor: 2.0,
	}
}

// delayFor computes the backoff before retry attempt n (0-based).
func (p RetryPolicy) delayFor(attempt int) time.Duration {
	d := p.InitialDelay
	if d <= 0 {
		d = time.Second
	}
	factor := p.BackoffFactor
	if factor <= 1 {
		factor = 2.0
	}
	for range attempt {
		d = time.Duration(float64(d) * factor)
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// HTTPClientConfig is the configuration surface of the outbound HTTP
// collaborator used by http_request and webhook actions.
type HTTPClientConfig struct {
	Timeout      time.Duration
	MaxRedirects int
}

// NewHTTPClient builds an http.Client honoring the timeout and
// redirect limits.
func NewHTTPClient(cfg HTTPClientConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 5
	}
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// httpResult is the output recorded for a successful HTTP action.
type httpResult struct {
	Status int    `json:"status"`
	Body   string `json:"body,omitempty"`
}

// doWithRetry performs the request with bounded retries and
// exponential backoff. 4xx responses fail immediately: the request is
// not going to get better. 5xx responses and transport errors retry
// up to policy.MaxRetries times.
func doWithRetry(ctx context.Context, client *http.Client, policy RetryPolicy, method, url string, headers map[string]string, body string) (*httpResult, error) {
	attempts := policy.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			select {
			case <-time.After(policy.delayFor(attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		res, retryable, err := doOnce(ctx, client, method, url, headers, body)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", attempts, lastErr)
}

func doOnce(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body string) (*httpResult, bool, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, false, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	// Bound the captured body; outcomes are records, not transfers.
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("server returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, false, fmt.Errorf("request rejected with %d", resp.StatusCode)
	default:
		return &httpResult{Status: resp.StatusCode, Body: string(data)}, false, nil
	}
}
