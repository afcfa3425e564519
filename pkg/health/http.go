package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker probes an executor's /health endpoint. Any 2xx answer
// counts as healthy; the endpoint is unauthenticated by design so the
// probe carries no token.
type HTTPChecker struct {
	// URL is the full probe URL, e.g. "http://10.0.0.5:8089/health".
	URL string

	// Client is the HTTP client to use.
	Client *http.Client
}

// NewHTTPChecker creates a checker with a 2 second timeout, short
// enough for the scheduler's 1s probe cadence.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL: url,
		Client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// WithTimeout overrides the probe timeout.
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}

// Check performs the probe.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("failed to create request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	return Result{
		Healthy:   healthy,
		Message:   fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// ExecutorChecker builds a checker for a sandbox address.
func ExecutorChecker(address string) *HTTPChecker {
	return NewHTTPChecker("http://" + address + "/health")
}
