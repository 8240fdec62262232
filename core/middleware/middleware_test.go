package middleware

import (
	"bytes"
	"errors"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/searchktools/block-server/core/http"
)

var testReq = &http.Request{Method: "GET", Path: "/test"}

func ok(req *http.Request, w io.Writer) error {
	return http.NewResponse(w).String(http.StatusOK, "ok")
}

// TestPipelineOrder checks that the first middleware runs outermost
func TestPipelineOrder(t *testing.T) {
	order := []int{}

	mark := func(n int) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(req *http.Request, w io.Writer) error {
				order = append(order, n)
				return next.Handle(req, w)
			})
		}
	}

	pipeline := NewPipeline().Use(mark(1)).Use(mark(2)).Use(mark(3))
	if pipeline.Len() != 3 {
		t.Fatalf("Expected 3 middlewares, got %d", pipeline.Len())
	}

	final := http.HandlerFunc(func(req *http.Request, w io.Writer) error {
		order = append(order, 4)
		return nil
	})

	if err := pipeline.Then(final).Handle(testReq, io.Discard); err != nil {
		t.Fatalf("Handle error: %v", err)
	}

	expected := []int{1, 2, 3, 4}
	if len(order) != len(expected) {
		t.Fatalf("Expected %d executions, got %d", len(expected), len(order))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("Expected order[%d] = %d, got %d", i, v, order[i])
		}
	}
}

func TestEmptyPipeline(t *testing.T) {
	out := &bytes.Buffer{}
	if err := NewPipeline().Then(http.HandlerFunc(ok)).Handle(testReq, out); err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "HTTP/1.1 200 OK\r\n") {
		t.Errorf("Unexpected response %q", out.String())
	}
}

// TestRecoveryMiddleware checks that panics become errors
func TestRecoveryMiddleware(t *testing.T) {
	h := NewPipeline().Use(Recovery()).Then(http.HandlerFunc(func(*http.Request, io.Writer) error {
		panic("test panic")
	}))

	err := h.Handle(testReq, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "test panic") {
		t.Errorf("Expected panic error, got %v", err)
	}
}

func TestLoggerMiddleware(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := log.New(buf, "", 0)
	boom := errors.New("boom")

	h := Logger(logger)(http.HandlerFunc(func(*http.Request, io.Writer) error { return boom }))
	if err := h.Handle(testReq, io.Discard); err != boom {
		t.Errorf("Expected error to pass through, got %v", err)
	}
	if !strings.Contains(buf.String(), "[GET] /test failed") {
		t.Errorf("Unexpected log line %q", buf.String())
	}
}

// TestRateLimiter allows the burst and then answers 429
func TestRateLimiter(t *testing.T) {
	h := RateLimiter(0.001, 2)(http.HandlerFunc(ok))

	for i := 0; i < 2; i++ {
		out := &bytes.Buffer{}
		if err := h.Handle(testReq, out); err != nil {
			t.Fatalf("Handle error: %v", err)
		}
		if !strings.HasPrefix(out.String(), "HTTP/1.1 200 ") {
			t.Errorf("Request %d should not be rate limited: %q", i+1, out.String())
		}
	}

	out := &bytes.Buffer{}
	if err := h.Handle(testReq, out); err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if out.String() != string(http.MinimalResponse(http.StatusTooManyRequests)) {
		t.Errorf("Third request should be rate limited, got %q", out.String())
	}
}
