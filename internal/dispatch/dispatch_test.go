package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antigravity-bridge/proxy/internal/apierr"
)

// TestFailoverOnServerErrorThenSuccess covers spec Scenario 6: the first
// base URL returns 500, the dispatcher tries the second and succeeds.
func TestFailoverOnServerErrorThenSuccess(t *testing.T) {
	var calls int32

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"response":{"candidates":[{"text":"hi"}]}}`))
	}))
	defer good.Close()

	d, err := New([]string{bad.URL, good.URL}, "test-agent", 2*time.Second, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := d.Dispatch(context.Background(), "tok", []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 POSTs (I7 upper bound honored), got %d", calls)
	}
	if got := string(resp.Body); got != `{"candidates":[{"text":"hi"}]}` {
		t.Fatalf("expected unwrapped response body, got %s", got)
	}
}

// TestTerminalOnAuthRejection covers spec Scenario 6's companion case:
// a 401 from the first endpoint is terminal, never reaching the second.
func TestTerminalOnAuthRejection(t *testing.T) {
	var calls int32

	unauthorized := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"token expired"}}`))
	}))
	defer unauthorized.Close()

	neverCalled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer neverCalled.Close()

	d, err := New([]string{unauthorized.URL, neverCalled.URL}, "test-agent", 2*time.Second, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = d.Dispatch(context.Background(), "tok", []byte(`{}`), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		t.Fatalf("expected *apierr.Error, got %T", err)
	}
	if apiErr.Code != apierr.CodeAuthRejected {
		t.Errorf("expected CodeAuthRejected, got %s", apiErr.Code)
	}
	if apiErr.Message != "token expired" {
		t.Errorf("expected extracted message, got %q", apiErr.Message)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 POST (terminal, no failover), got %d", calls)
	}
}

// TestAllEndpointsExhaustedSurfacesUpstreamUnavailable exercises I7's
// other edge: every endpoint returns a try-next status, and the
// dispatcher gives up after exactly len(baseURLs) attempts.
func TestAllEndpointsExhaustedSurfacesUpstreamUnavailable(t *testing.T) {
	var calls int32
	overloaded := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer overloaded.Close()

	d, err := New([]string{overloaded.URL, overloaded.URL, overloaded.URL}, "test-agent", 2*time.Second, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = d.Dispatch(context.Background(), "tok", []byte(`{}`), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected exactly 3 POSTs, got %d", got)
	}
}

func TestExtractErrorMessageVariants(t *testing.T) {
	cases := map[string]string{
		`{"error":{"message":"boom"}}`:         "boom",
		`{"message":"flat boom"}`:               "flat boom",
		`data: {"error":{"message":"sse boom"}}` + "\n": "sse boom",
		`not json at all`:                       "",
	}
	for input, want := range cases {
		got := ExtractErrorMessage([]byte(input))
		if got != want {
			t.Errorf("ExtractErrorMessage(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestExtractErrorMessageFromStream(t *testing.T) {
	r := io.NopCloser(strings.NewReader(`data: {"error":{"message":"stream boom"}}` + "\n"))
	got := ExtractErrorMessageFromStream(r)
	if got != "stream boom" {
		t.Errorf("got %q", got)
	}
}
