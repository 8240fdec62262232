package core

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/searchktools/block-server/core/http"
	"github.com/searchktools/block-server/core/middleware"
	"github.com/searchktools/block-server/core/observability"
	"github.com/searchktools/block-server/core/pools"
	"github.com/searchktools/block-server/core/router"
)

// HandlerFunc defines the handler function type used by the route helpers
type HandlerFunc = http.HandlerFunc

// Options configures an Engine
type Options struct {
	Workers        int // connection workers
	QueueSize      int // accepted connections waiting for a worker
	MaxConnections int // open connections, running or queued; 0 = unlimited

	ScanWindow         int
	MaxBodySize        int64
	LooseContentLength bool

	ReadTimeout  time.Duration // 0 = none
	WriteTimeout time.Duration // 0 = none
	AcceptRate   float64       // connections per second; 0 = unlimited
	ReusePort    bool

	Logger  *log.Logger
	Quiet   bool // drop per-connection failure logs
	Verbose bool // also log bad requests
}

// DefaultOptions returns the options NewEngine uses
func DefaultOptions() Options {
	return Options{
		Workers:        DefaultWorkers,
		QueueSize:      DefaultQueueSize,
		MaxConnections: DefaultMaxConnections,
		ScanWindow:     http.DefaultScanWindow,
		MaxBodySize:    http.DefaultMaxBodySize,
	}
}

// Engine accepts connections and runs one Session per connection on a
// fixed-size worker pool
type Engine struct {
	opts     Options
	router   *router.Router
	parser   *http.Parser
	pipeline *middleware.Pipeline
	monitor  *observability.Monitor
	ioPool   *pools.IOPool
	logger   *log.Logger

	mu         sync.Mutex
	listener   net.Listener
	workerPool *pools.WorkerPool
	cancel     context.CancelFunc
	closed     bool
	conns      map[net.Conn]struct{} // connections owned by a running session

	ready     chan struct{}
	readyOnce sync.Once
}

// aLongTimeAgo is a read deadline that fails pending and future reads at once
var aLongTimeAgo = time.Unix(1, 0)

// NewEngine creates a new engine with default options
func NewEngine() *Engine {
	return NewEngineWithOptions(DefaultOptions())
}

// NewEngineWithOptions creates a new engine
func NewEngineWithOptions(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = http.DefaultScanWindow
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Engine{
		opts:   opts,
		router: router.New(),
		parser: &http.Parser{
			ScanWindow:         opts.ScanWindow,
			MaxBodySize:        opts.MaxBodySize,
			LooseContentLength: opts.LooseContentLength,
		},
		pipeline: middleware.NewPipeline(),
		monitor:  observability.NewMonitor(),
		ioPool:   pools.NewIOPool(opts.ScanWindow),
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
		ready:    make(chan struct{}),
	}
}

// Options returns the engine's effective options
func (e *Engine) Options() Options {
	return e.opts
}

// Router returns the route table
func (e *Engine) Router() *router.Router {
	return e.router
}

// Monitor returns the engine's metrics
func (e *Engine) Monitor() *observability.Monitor {
	return e.monitor
}

// Use adds a middleware around every handler
func (e *Engine) Use(m middleware.Middleware) {
	e.pipeline.Use(m)
}

// Handle registers h for exactly (method, path)
func (e *Engine) Handle(method, path string, h http.Handler) {
	e.router.Register(method, path, h)
}

// GET registers a GET route
func (e *Engine) GET(path string, handler HandlerFunc) {
	e.Handle(http.MethodGet, path, handler)
}

// POST registers a POST route
func (e *Engine) POST(path string, handler HandlerFunc) {
	e.Handle(http.MethodPost, path, handler)
}

// PUT registers a PUT route
func (e *Engine) PUT(path string, handler HandlerFunc) {
	e.Handle(http.MethodPut, path, handler)
}

// DELETE registers a DELETE route
func (e *Engine) DELETE(path string, handler HandlerFunc) {
	e.Handle(http.MethodDelete, path, handler)
}

// PATCH registers a PATCH route
func (e *Engine) PATCH(path string, handler HandlerFunc) {
	e.Handle(http.MethodPatch, path, handler)
}

// HEAD registers a HEAD route
func (e *Engine) HEAD(path string, handler HandlerFunc) {
	e.Handle(http.MethodHead, path, handler)
}

// OPTIONS registers an OPTIONS route
func (e *Engine) OPTIONS(path string, handler HandlerFunc) {
	e.Handle(http.MethodOptions, path, handler)
}

// Run binds addr and serves until Close. A bind failure is returned
// immediately.
func (e *Engine) Run(addr string) error {
	lc := net.ListenConfig{Control: listenControl(e.opts.ReusePort)}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "bind %s", addr)
	}
	return e.Serve(ln)
}

// Serve accepts connections on ln until Close is called. It always returns
// a non-nil error; ErrServerClosed after Close.
func (e *Engine) Serve(ln net.Listener) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		ln.Close()
		e.markReady()
		return ErrServerClosed
	}
	if e.listener != nil {
		e.mu.Unlock()
		return errors.New("engine already serving")
	}

	if e.opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, e.opts.MaxConnections)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.listener = ln
	e.cancel = cancel
	e.workerPool = pools.NewWorkerPool(e.opts.Workers, e.opts.QueueSize)
	workerPool := e.workerPool
	e.mu.Unlock()
	e.markReady()

	var limiter *rate.Limiter
	if e.opts.AcceptRate > 0 {
		burst := int(e.opts.AcceptRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(e.opts.AcceptRate), burst)
	}

	e.logger.Printf("🚀 Listening on %s", ln.Addr())
	e.logger.Printf("   - Workers: %d, queue: %d, max connections: %d", e.opts.Workers, e.opts.QueueSize, e.opts.MaxConnections)
	for _, r := range e.router.Routes() {
		e.logger.Printf("   - Route: %-7s %s", r.Method, r.Path)
	}

	var tempDelay time.Duration
	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return ErrServerClosed
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if e.isClosed() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			e.logger.Printf("Accept error: %v; retrying in %v", err, tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		s := newSession(e, conn)
		if err := workerPool.Submit(ctx, s.Run); err != nil {
			conn.Close()
			if e.isClosed() {
				return ErrServerClosed
			}
			e.logger.Printf("Submit error: %v", err)
		}
	}
}

// Addr returns the listener address once Serve has started, or nil
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Ready is closed once Serve has installed its listener, or has returned
// because the engine was already closed
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

func (e *Engine) markReady() {
	e.readyOnce.Do(func() { close(e.ready) })
}

// Close stops accepting, then waits for queued and running sessions to finish.
// Sessions still reading their request are aborted; handlers already running
// complete and their responses are written.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ln, cancel, workerPool := e.listener, e.cancel, e.workerPool
	for conn := range e.conns {
		conn.SetReadDeadline(aLongTimeAgo)
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if ln != nil {
		err = ln.Close()
	}
	if workerPool != nil {
		workerPool.Close()
	}
	return err
}

// track registers conn with the engine so Close can interrupt its reads.
// After Close, reads on a newly tracked conn fail immediately.
func (e *Engine) track(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		conn.SetReadDeadline(aLongTimeAgo)
		return
	}
	e.conns[conn] = struct{}{}
}

func (e *Engine) untrack(conn net.Conn) {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) logf(format string, args ...any) {
	if e.opts.Quiet {
		return
	}
	e.logger.Printf(format, args...)
}

func (e *Engine) debugf(format string, args ...any) {
	if e.opts.Verbose {
		e.logger.Printf(format, args...)
	}
}

// discardLogger is handy for tests and embedding
var discardLogger = log.New(io.Discard, "", 0)

// QuietLogger returns a logger that drops everything
func QuietLogger() *log.Logger {
	return discardLogger
}
