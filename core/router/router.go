package router

import (
	"sort"
	"sync"

	"github.com/searchktools/block-server/core/http"
)

// Router is an exact-match route table: method -> path -> handler.
//
// Routes are normally registered before the server starts accepting and
// only read afterwards; the lock keeps late registration safe as well.
type Router struct {
	mu     sync.RWMutex
	routes map[string]map[string]http.Handler
}

// Route is one registered (method, path) pair
type Route struct {
	Method string
	Path   string
}

// New creates an empty router
func New() *Router {
	return &Router{
		routes: make(map[string]map[string]http.Handler),
	}
}

// Register stores h for (method, path). A later registration for the same
// pair replaces the earlier one.
func (r *Router) Register(method, path string, h http.Handler) {
	if h == nil {
		panic("router: nil handler for " + method + " " + path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	paths, ok := r.routes[method]
	if !ok {
		paths = make(map[string]http.Handler)
		r.routes[method] = paths
	}
	paths[path] = h
}

// Resolve returns the handler registered for exactly (method, path).
// Unknown methods and unknown paths both report false.
func (r *Router) Resolve(method, path string) (http.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.routes[method][path]
	return h, ok
}

// Routes lists the registered routes sorted by path, then method
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var routes []Route
	for method, paths := range r.routes {
		for path := range paths {
			routes = append(routes, Route{Method: method, Path: path})
		}
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})
	return routes
}
