// Package httpcall adapts a Function Spec with handler_type=api into a
// functions.Handler: an HTTP request to the spec's endpoint with the
// arguments as body, honoring configured headers, timeout, and retries
// with exponential backoff (§4.5).
//
// Adapted from lookatitude-beluga-ai's pkg/agents/tools/api.APITool, which
// returns network errors as a formatted string result; here, transient
// errors retry with backoff and only a final failure surfaces as an error
// string (§7).
package httpcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aiva-labs/voicebridge/internal/functions"
)

// Spec is the subset of a Function Spec needed to build an HTTP handler.
type Spec struct {
	Endpoint string
	Method   string // defaults to POST
	Headers  map[string]string
	Timeout  time.Duration // defaults to 30s
	Retries  int           // retries after the first attempt; 0 (also the zero value) means one attempt, negative is treated as 0; no default of its own
}

// backoff follows §9's "min(1s * 2^attempt, 10s)" formula, no jitter.
func backoff(attempt int) time.Duration {
	d := time.Second * time.Duration(1<<attempt)
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// NewHandler builds a functions.Handler that POSTs (or spec.Method's verb)
// the decoded arguments to spec.Endpoint, retrying transient failures
// (network errors, 5xx) with exponential backoff up to spec.Retries
// additional attempts. A 2xx response body becomes Result.Data; any other
// outcome becomes Result.Error (§4.5, §7).
func NewHandler(client *http.Client, spec Spec) functions.Handler {
	if client == nil {
		client = http.DefaultClient
	}
	method := spec.Method
	if method == "" {
		method = http.MethodPost
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := spec.Retries
	if retries < 0 {
		retries = 0
	}

	return func(ctx context.Context, fctx functions.Context, arguments json.RawMessage) (functions.Result, error) {
		var lastErr error

		// Exactly one attempt when retries=0 (§8 boundary behavior).
		for attempt := 0; attempt <= retries; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(backoff(attempt - 1)):
				case <-ctx.Done():
					return functions.Result{Success: false, Error: ctx.Err().Error()}, nil
				}
			}

			cctx, cancel := context.WithTimeout(ctx, timeout)
			result, transient, err := doOnce(cctx, client, method, spec, arguments)
			cancel()

			if err == nil {
				return result, nil
			}
			lastErr = err
			if !transient {
				break
			}
		}

		return functions.Result{Success: false, Error: lastErr.Error()}, nil
	}
}

// doOnce performs a single HTTP attempt. The bool return indicates whether
// the failure is worth retrying (network error or 5xx).
func doOnce(ctx context.Context, client *http.Client, method string, spec Spec, arguments json.RawMessage) (functions.Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, spec.Endpoint, bytes.NewReader(arguments))
	if err != nil {
		return functions.Result{}, false, fmt.Errorf("httpcall: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return functions.Result{}, true, fmt.Errorf("httpcall: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return functions.Result{}, true, fmt.Errorf("httpcall: read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var data any
		if err := json.Unmarshal(body, &data); err != nil {
			data = string(body)
		}
		return functions.Result{Success: true, Data: data}, false, nil
	}

	transient := resp.StatusCode >= 500
	return functions.Result{}, transient, fmt.Errorf("httpcall: status %d: %s", resp.StatusCode, string(body))
}
