package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	appconfig "marketsync/config"
)

func testExecutorConfig() appconfig.ExecutorConfig {
	return appconfig.ExecutorConfig{
		Timeout:          time.Second,
		RateLimit:        appconfig.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 100},
		RetryDelay:       time.Millisecond,
		BusyDelay:        time.Millisecond,
		RateLimitDelay:   time.Millisecond,
		MaxRetriesGet:    5,
		MaxRetriesSubmit: 2,
	}
}

func TestExecutorRetriesBusyThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	e := NewExecutor("test", srv.URL, testExecutorConfig(), nil, nil)
	resp, err := e.Do(context.Background(), Request{Method: http.MethodGet, Path: "/orders"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestExecutorRateLimitDoesNotBurnBudget(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 5 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	e := NewExecutor("test", srv.URL, testExecutorConfig(), nil, nil)
	// MaxRetries 1 would fail fast if 429s counted against the budget.
	resp, err := e.Do(context.Background(), Request{Method: http.MethodGet, Path: "/balance", MaxRetries: 1})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
}

func TestExecutorBudgetExhaustion(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewExecutor("test", srv.URL, testExecutorConfig(), nil, nil)
	_, err := e.Do(context.Background(), Request{Method: http.MethodPost, Path: "/order", MaxRetries: 2})

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Status != http.StatusInternalServerError {
		t.Fatalf("expected status 500 in error, got %d", reqErr.Status)
	}
	if reqErr.Attempts != 3 {
		t.Fatalf("expected 3 attempts recorded, got %d", reqErr.Attempts)
	}
	// Initial call plus two retries.
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestExecutorAuthFailureIsFatal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	e := NewExecutor("test", srv.URL, testExecutorConfig(), nil, nil)
	_, err := e.Do(context.Background(), Request{Method: http.MethodGet, Path: "/private"})

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("auth failure must not be retried, got %d calls", got)
	}
}

type duplicateClassifier struct{}

func (duplicateClassifier) Classify(status int, body []byte) Disposition {
	if status == http.StatusBadRequest {
		return DispositionDuplicateOrder
	}
	return DefaultClassifier{}.Classify(status, body)
}

func (duplicateClassifier) RetryReset(header http.Header) (time.Duration, bool) {
	return DefaultClassifier{}.RetryReset(header)
}

func TestExecutorDuplicateOrderRecovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	recovered := &Response{Status: http.StatusOK, Body: []byte(`{"recovered":true}`)}
	e := NewExecutor("test", srv.URL, testExecutorConfig(), nil, duplicateClassifier{})
	resp, err := e.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/order",
		OnDuplicate: func(ctx context.Context) (*Response, error) {
			return recovered, nil
		},
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp != recovered {
		t.Fatal("expected the recovery result to be returned as the call's outcome")
	}
}

func TestExecutorTransportErrorsBurnBudget(t *testing.T) {
	// A server that is immediately closed produces connection-refused
	// transport errors.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	e := NewExecutor("test", url, testExecutorConfig(), nil, nil)
	_, err := e.Do(context.Background(), Request{Method: http.MethodGet, Path: "/", MaxRetries: 2})

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", reqErr.Attempts)
	}
	if reqErr.Unwrap() == nil {
		t.Fatal("expected the transport error to be wrapped")
	}
}

func TestExecutorContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testExecutorConfig()
	cfg.BusyDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	e := NewExecutor("test", srv.URL, cfg, nil, nil)
	_, err := e.Do(ctx, Request{Method: http.MethodGet, Path: "/"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
