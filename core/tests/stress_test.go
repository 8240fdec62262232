package tests

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/searchktools/block-server/core"
	"github.com/searchktools/block-server/core/http"
	"github.com/searchktools/block-server/core/observability"
)

func startServer(t testing.TB, opts core.Options) (*core.Engine, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	opts.Logger = core.QuietLogger()
	e := core.NewEngineWithOptions(opts)
	e.GET("/ping", func(req *http.Request, w io.Writer) error {
		return http.NewResponse(w).String(http.StatusOK, "pong")
	})
	e.POST("/echo", func(req *http.Request, w io.Writer) error {
		return http.NewResponse(w).Bytes(http.StatusOK, req.Body)
	})
	e.GET("/slow", func(req *http.Request, w io.Writer) error {
		time.Sleep(20 * time.Millisecond)
		return http.NewResponse(w).String(http.StatusOK, "done")
	})

	go e.Serve(ln)
	<-e.Ready()
	t.Cleanup(func() { e.Close() })
	return e, ln.Addr().String()
}

func send(addr, raw string) (string, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := io.WriteString(conn, raw); err != nil {
		return "", err
	}
	out, err := io.ReadAll(conn)
	return string(out), err
}

// TestStressMixedTraffic fires many concurrent clients with a mix of valid,
// unknown and malformed requests and checks every one gets its own answer
func TestStressMixedTraffic(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	e, addr := startServer(t, core.DefaultOptions())

	const clients = 500
	var wg sync.WaitGroup
	var failures atomic.Int64

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			var raw, want string
			switch i % 4 {
			case 0:
				raw, want = "GET /ping HTTP/1.1\r\n\r\n", "pong"
			case 1:
				body := fmt.Sprintf("client-%d", i)
				raw = fmt.Sprintf("POST /echo HTTP/1.1\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
				want = body
			case 2:
				raw, want = "GET /nowhere HTTP/1.1\r\n\r\n", "404 Not Found"
			case 3:
				raw, want = "NOT A REQUEST\r\n\r\n", "400 Bad Request"
			}

			got, err := send(addr, raw)
			if err != nil || !strings.Contains(got, want) {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if n := failures.Load(); n > 0 {
		t.Errorf("Expected no failures, got %d of %d", n, clients)
	}
	if got := e.Monitor().Outcomes(observability.OutcomeCompleted); got != clients/2 {
		t.Errorf("Expected %d completed, got %d", clients/2, got)
	}
}

// TestStressBoundedWorkers checks slow handlers never run on more goroutines
// than the pool has workers
func TestStressBoundedWorkers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	opts := core.DefaultOptions()
	opts.Workers = 8
	e, addr := startServer(t, opts)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			send(addr, "GET /slow HTTP/1.1\r\n\r\n")
		}()
	}

	peak := 0
	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if busy := e.Stats().Workers.Busy; busy > peak {
				peak = busy
			}
			time.Sleep(time.Millisecond)
		}
	}()
	wg.Wait()
	close(stop)
	<-sampled

	if peak > opts.Workers {
		t.Errorf("Expected at most %d busy workers, got %d", opts.Workers, peak)
	}
}

func BenchmarkParallelClients(b *testing.B) {
	_, addr := startServer(b, core.DefaultOptions())

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			send(addr, "GET /ping HTTP/1.1\r\n\r\n")
		}
	})
}
