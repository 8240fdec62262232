package middleware

import (
	"io"
	"log"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/searchktools/block-server/core/http"
)

// Middleware wraps a handler
type Middleware func(http.Handler) http.Handler

// Pipeline is an ordered list of middlewares; the first one added runs outermost
type Pipeline struct {
	middlewares []Middleware
}

// NewPipeline creates a new middleware pipeline
func NewPipeline() *Pipeline {
	return &Pipeline{
		middlewares: make([]Middleware, 0, 8),
	}
}

// Use adds a middleware to the pipeline
func (p *Pipeline) Use(m Middleware) *Pipeline {
	p.middlewares = append(p.middlewares, m)
	return p
}

// Len returns the number of middlewares
func (p *Pipeline) Len() int {
	return len(p.middlewares)
}

// Then wraps final with every middleware in the pipeline
func (p *Pipeline) Then(final http.Handler) http.Handler {
	h := final
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		h = p.middlewares[i](h)
	}
	return h
}

// Common middleware implementations

// Recovery turns a handler panic into an error carrying a stack trace
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(req *http.Request, w io.Writer) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errors.Errorf("panic: %v", r)
				}
			}()
			return next.Handle(req, w)
		})
	}
}

// Logger logs one line per handled request
func Logger(logger *log.Logger) Middleware {
	if logger == nil {
		logger = log.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(req *http.Request, w io.Writer) error {
			start := time.Now()
			err := next.Handle(req, w)
			if err != nil {
				logger.Printf("[%s] %s failed after %v: %v", req.Method, req.Path, time.Since(start), err)
				return err
			}
			logger.Printf("[%s] %s %v", req.Method, req.Path, time.Since(start))
			return nil
		})
	}
}

// RateLimiter answers with a minimal 429 once more than requestsPerSecond
// requests (with the given burst) reach the wrapped handler
func RateLimiter(requestsPerSecond float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(req *http.Request, w io.Writer) error {
			if !limiter.Allow() {
				return http.WriteStatus(w, http.StatusTooManyRequests)
			}
			return next.Handle(req, w)
		})
	}
}
