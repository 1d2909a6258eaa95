// Copyright 2025 James Ross
package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/doublewordai/batcherd/internal/request"
)

func TestExecuteSetsBearerAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewDefaultClient()
	data := request.RequestData{Endpoint: srv.URL, Method: http.MethodPost, Path: "/v1/x", Body: "{}"}

	resp, err := c.Execute(context.Background(), data, "secret-key", time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if gotAuth != "Bearer secret-key" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
}

func TestExecuteNoAuthHeaderWhenKeyEmpty(t *testing.T) {
	var gotAuth string
	seen := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		seen = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewDefaultClient()
	data := request.RequestData{Endpoint: srv.URL, Method: http.MethodGet, Path: "/"}
	if _, err := c.Execute(context.Background(), data, "", time.Second); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !seen || gotAuth != "" {
		t.Fatalf("expected no Authorization header, got %q", gotAuth)
	}
}

func TestExecuteTimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewDefaultClient()
	data := request.RequestData{Endpoint: srv.URL, Method: http.MethodGet, Path: "/"}
	_, err := c.Execute(context.Background(), data, "", 5*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

type fakeHTTPClient struct {
	status int
	err    error
	calls  int
}

func (f *fakeHTTPClient) Execute(ctx context.Context, data request.RequestData, apiKey string, timeout time.Duration) (request.HTTPResponse, error) {
	f.calls++
	if f.err != nil {
		return request.HTTPResponse{}, f.err
	}
	return request.HTTPResponse{Status: f.status}, nil
}

func TestBreakerClientOpensAfterFailures(t *testing.T) {
	inner := &fakeHTTPClient{status: 500}
	bc := NewBreakerClient(inner, time.Minute, time.Hour, 0.5, 2)
	data := request.RequestData{Endpoint: "https://upstream.example.com"}

	for i := 0; i < 5; i++ {
		_, _ = bc.Execute(context.Background(), data, "", time.Second)
	}

	callsBeforeOpen := inner.calls
	_, err := bc.Execute(context.Background(), data, "", time.Second)
	if err == nil {
		t.Fatalf("expected breaker to be open after repeated 5xx")
	}
	if inner.calls != callsBeforeOpen {
		t.Fatalf("expected inner client not called while breaker open")
	}
}

func TestBreakerClientIsolatedPerEndpoint(t *testing.T) {
	inner := &fakeHTTPClient{status: 500}
	bc := NewBreakerClient(inner, time.Minute, time.Hour, 0.5, 2)
	bad := request.RequestData{Endpoint: "https://bad.example.com"}
	good := request.RequestData{Endpoint: "https://good.example.com"}

	for i := 0; i < 5; i++ {
		_, _ = bc.Execute(context.Background(), bad, "", time.Second)
	}

	inner.status = 200
	if _, err := bc.Execute(context.Background(), good, "", time.Second); err != nil {
		t.Fatalf("expected good endpoint unaffected by bad endpoint's breaker, got %v", err)
	}
}
