package core

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/block-server/core/http"
	"github.com/searchktools/block-server/core/observability"
)

func startEngine(t *testing.T, opts Options, setup func(e *Engine)) (*Engine, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if opts.Logger == nil {
		opts.Logger = QuietLogger()
	}
	e := NewEngineWithOptions(opts)
	if setup != nil {
		setup(e)
	}

	served := make(chan error, 1)
	go func() { served <- e.Serve(ln) }()
	<-e.Ready()

	t.Cleanup(func() {
		e.Close()
		if err := <-served; !errors.Is(err, ErrServerClosed) {
			t.Errorf("Expected ErrServerClosed from Serve, got %v", err)
		}
	})
	return e, ln.Addr().String()
}

// exchange sends raw, half-closes the connection and returns everything the
// server wrote before closing
func exchange(addr, raw string) (string, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := io.WriteString(conn, raw); err != nil {
		return "", err
	}
	conn.(*net.TCPConn).CloseWrite()

	out, err := io.ReadAll(conn)
	return string(out), err
}

func roundTrip(t *testing.T, addr, raw string) string {
	t.Helper()

	out, err := exchange(addr, raw)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	return out
}

func testRoutes(e *Engine) {
	e.GET("/hello", func(req *http.Request, w io.Writer) error {
		name, ok := req.QueryParam("name")
		if !ok {
			name = "world"
		}
		return http.NewResponse(w).String(http.StatusOK, "hello "+name)
	})
	e.POST("/echo", func(req *http.Request, w io.Writer) error {
		return http.NewResponse(w).Bytes(http.StatusOK, req.Body)
	})
	e.GET("/fail", func(req *http.Request, w io.Writer) error {
		io.WriteString(w, "HTTP/1.1 200 OK\r\npartial")
		return errors.New("backend unavailable")
	})
	e.GET("/panic", func(req *http.Request, w io.Writer) error {
		panic("boom")
	})
}

func TestEngineResponses(t *testing.T) {
	e, addr := startEngine(t, DefaultOptions(), testRoutes)

	tests := []struct {
		name    string
		raw     string
		want    string
		outcome observability.Outcome
	}{
		{
			name:    "get",
			raw:     "GET /hello?name=go HTTP/1.1\r\nHost: localhost\r\n\r\n",
			want:    "HTTP/1.1 200 OK\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: 8\r\nConnection: close\r\n\r\nhello go",
			outcome: observability.OutcomeCompleted,
		},
		{
			name:    "post body",
			raw:     "POST /echo HTTP/1.1\r\nContent-Length: 4\r\n\r\nping",
			want:    "HTTP/1.1 200 OK\r\nContent-Type: application/octet-stream\r\nContent-Length: 4\r\nConnection: close\r\n\r\nping",
			outcome: observability.OutcomeCompleted,
		},
		{
			name:    "unknown path",
			raw:     "GET /missing HTTP/1.1\r\n\r\n",
			want:    string(http.MinimalResponse(http.StatusNotFound)),
			outcome: observability.OutcomeNotFound,
		},
		{
			name:    "unknown method",
			raw:     "BREW /hello HTTP/1.1\r\n\r\n",
			want:    string(http.MinimalResponse(http.StatusNotFound)),
			outcome: observability.OutcomeNotFound,
		},
		{
			name:    "malformed",
			raw:     "garbage\r\n\r\n",
			want:    string(http.MinimalResponse(http.StatusBadRequest)),
			outcome: observability.OutcomeBadRequest,
		},
		{
			name:    "handler error",
			raw:     "GET /fail HTTP/1.1\r\n\r\n",
			want:    string(http.MinimalResponse(http.StatusInternalServerError)),
			outcome: observability.OutcomeHandlerFailed,
		},
		{
			name:    "handler panic",
			raw:     "GET /panic HTTP/1.1\r\n\r\n",
			want:    string(http.MinimalResponse(http.StatusInternalServerError)),
			outcome: observability.OutcomeHandlerFailed,
		},
		{
			name:    "short body",
			raw:     "POST /echo HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc",
			want:    "",
			outcome: observability.OutcomeStreamFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := e.Monitor().Outcomes(tt.outcome)
			got := roundTrip(t, addr, tt.raw)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Response mismatch (-want +got):\n%s", diff)
			}
			if after := e.Monitor().Outcomes(tt.outcome); after != before+1 {
				t.Errorf("Expected %s count %d, got %d", tt.outcome, before+1, after)
			}
		})
	}
}

func TestEngineBodyTooLarge(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxBodySize = 16
	_, addr := startEngine(t, opts, testRoutes)

	got := roundTrip(t, addr, "POST /echo HTTP/1.1\r\nContent-Length: 17\r\n\r\n")
	if want := string(http.MinimalResponse(http.StatusRequestEntityTooLarge)); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestEngineLastRegistrationWins(t *testing.T) {
	_, addr := startEngine(t, DefaultOptions(), func(e *Engine) {
		e.GET("/v", func(req *http.Request, w io.Writer) error {
			return http.NewResponse(w).String(http.StatusOK, "first")
		})
		e.GET("/v", func(req *http.Request, w io.Writer) error {
			return http.NewResponse(w).String(http.StatusOK, "second")
		})
	})

	got := roundTrip(t, addr, "GET /v HTTP/1.1\r\n\r\n")
	if !strings.HasSuffix(got, "\r\n\r\nsecond") {
		t.Errorf("Expected second handler, got %q", got)
	}
}

func TestEngineMiddleware(t *testing.T) {
	var order []string
	var mu sync.Mutex
	trace := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(req *http.Request, w io.Writer) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return next.Handle(req, w)
			})
		}
	}

	_, addr := startEngine(t, DefaultOptions(), func(e *Engine) {
		testRoutes(e)
		e.Use(trace("outer"))
		e.Use(trace("inner"))
	})

	roundTrip(t, addr, "GET /hello HTTP/1.1\r\n\r\n")
	// Unresolved requests never reach the pipeline
	roundTrip(t, addr, "GET /missing HTTP/1.1\r\n\r\n")

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"outer", "inner"}, order); diff != "" {
		t.Errorf("Middleware order mismatch (-want +got):\n%s", diff)
	}
}

func TestEngineConcurrentClients(t *testing.T) {
	opts := DefaultOptions()
	opts.Workers = 4
	opts.QueueSize = 8
	_, addr := startEngine(t, opts, testRoutes)

	const clients = 100
	var wg sync.WaitGroup
	errs := make(chan string, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := exchange(addr, "GET /hello HTTP/1.1\r\n\r\n")
			if err != nil {
				errs <- err.Error()
				return
			}
			if !strings.HasSuffix(got, "hello world") {
				errs <- got
			}
		}()
	}
	wg.Wait()
	close(errs)

	for got := range errs {
		t.Errorf("Unexpected result %q", got)
	}
}

func TestEngineStatsRoute(t *testing.T) {
	_, addr := startEngine(t, DefaultOptions(), func(e *Engine) {
		testRoutes(e)
		e.Handle(http.MethodGet, "/_stats", e.StatsHandler())
	})

	roundTrip(t, addr, "GET /hello HTTP/1.1\r\n\r\n")

	got := roundTrip(t, addr, "GET /_stats HTTP/1.1\r\n\r\n")
	if !strings.Contains(got, "Content-Type: application/json\r\n") {
		t.Fatalf("Expected JSON stats, got %q", got)
	}
	if !strings.Contains(got, `"route":"GET /hello"`) {
		t.Errorf("Expected route metrics for GET /hello, got %q", got)
	}

	got = roundTrip(t, addr, "GET /_stats?format=protobuf HTTP/1.1\r\n\r\n")
	head, body, ok := strings.Cut(got, "\r\n\r\n")
	if !ok || !strings.Contains(head, "Content-Type: application/x-protobuf") {
		t.Fatalf("Expected protobuf stats, got %q", got)
	}
	var s structpb.Struct
	if err := proto.Unmarshal([]byte(body), &s); err != nil {
		t.Fatalf("Unmarshal stats: %v", err)
	}
	workers := s.GetFields()["workers"].GetStructValue()
	if n := workers.GetFields()["num_workers"].GetNumberValue(); n != DefaultWorkers {
		t.Errorf("Expected %d workers, got %v", DefaultWorkers, n)
	}

	got = roundTrip(t, addr, "GET /_stats?format=xml HTTP/1.1\r\n\r\n")
	if want := string(http.MinimalResponse(http.StatusBadRequest)); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestEngineRunBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	opts := DefaultOptions()
	opts.Logger = QuietLogger()
	e := NewEngineWithOptions(opts)
	if err := e.Run(ln.Addr().String()); err == nil {
		t.Fatal("Expected bind error for an address in use")
	}
}

func TestEngineCloseBeforeServe(t *testing.T) {
	e := NewEngineWithOptions(Options{Logger: QuietLogger()})
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := e.Serve(ln); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Expected ErrServerClosed, got %v", err)
	}

	select {
	case <-e.Ready():
	case <-time.After(time.Second):
		t.Error("Expected Ready to be closed after Serve on a closed engine")
	}
}

func TestEngineCloseWithIdleClient(t *testing.T) {
	e, addr := startEngine(t, DefaultOptions(), testRoutes)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for a worker to pick the silent connection up
	deadline := time.Now().Add(5 * time.Second)
	for e.Monitor().Snapshot().Active == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Idle connection never reached a worker")
		}
		time.Sleep(time.Millisecond)
	}

	closed := make(chan error, 1)
	go func() { closed <- e.Close() }()

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on an idle connection")
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	out, _ := io.ReadAll(conn)
	if len(out) != 0 {
		t.Errorf("Expected no response for an aborted read, got %q", out)
	}
	if got := e.Monitor().Outcomes(observability.OutcomeStreamFailed); got != 1 {
		t.Errorf("Expected 1 stream failure, got %d", got)
	}
}

func TestEngineLogsHandlerFailure(t *testing.T) {
	var buf syncBuffer
	opts := DefaultOptions()
	opts.Logger = newTestLogger(&buf)
	_, addr := startEngine(t, opts, testRoutes)

	roundTrip(t, addr, "GET /fail HTTP/1.1\r\n\r\n")
	if !strings.Contains(buf.String(), "backend unavailable") {
		t.Errorf("Expected handler error in log, got %q", buf.String())
	}
}

func BenchmarkEngineRoundTrip(b *testing.B) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatalf("listen: %v", err)
	}
	opts := DefaultOptions()
	opts.Logger = QuietLogger()
	e := NewEngineWithOptions(opts)
	testRoutes(e)
	go e.Serve(ln)
	defer e.Close()
	<-e.Ready()

	raw := []byte("GET /hello HTTP/1.1\r\nHost: localhost\r\n\r\n")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			b.Fatal(err)
		}
		conn.Write(raw)
		io.Copy(io.Discard, conn)
		conn.Close()
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
