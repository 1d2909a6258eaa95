// Copyright 2025 James Ross
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/doublewordai/batcherd/internal/request"
)

// ErrTimeout wraps a transport error caused by the per-request timeout
// elapsing, distinguished from other transport failures so callers can
// classify it without string-matching.
var ErrTimeout = errors.New("httpclient: request timed out")

// DefaultClient executes requests against real HTTP endpoints using
// net/http, setting bearer auth when an API key is present and enforcing
// the caller-supplied timeout via context.
type DefaultClient struct {
	HTTP *http.Client
}

// NewDefaultClient returns a DefaultClient using http.DefaultTransport. The
// per-request timeout is applied per call, not on the shared client, since
// the timeout is an argument of each Execute call.
func NewDefaultClient() *DefaultClient {
	return &DefaultClient{HTTP: &http.Client{}}
}

// Execute satisfies request.HTTPClient.
func (c *DefaultClient) Execute(ctx context.Context, data request.RequestData, apiKey string, timeout time.Duration) (request.HTTPResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, data.Method, data.URL(), bytes.NewReader([]byte(data.Body)))
	if err != nil {
		return request.HTTPResponse{}, fmt.Errorf("httpclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return request.HTTPResponse{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return request.HTTPResponse{}, fmt.Errorf("httpclient: transport: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return request.HTTPResponse{}, fmt.Errorf("httpclient: read body: %w", err)
	}

	return request.HTTPResponse{Status: resp.StatusCode, Body: string(body)}, nil
}
