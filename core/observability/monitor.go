package observability

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Outcome is the terminal state of one connection
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeBadRequest
	OutcomeNotFound
	OutcomeTooLarge
	OutcomeHandlerFailed
	OutcomeStreamFailed
	numOutcomes
)

var outcomeNames = [numOutcomes]string{
	OutcomeCompleted:     "completed",
	OutcomeBadRequest:    "bad_request",
	OutcomeNotFound:      "not_found",
	OutcomeTooLarge:      "too_large",
	OutcomeHandlerFailed: "handler_failed",
	OutcomeStreamFailed:  "stream_failed",
}

func (o Outcome) String() string {
	if o < 0 || o >= numOutcomes {
		return fmt.Sprintf("outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// Latencies are tracked in microseconds from 1us to 1h with 3 significant digits
const (
	minLatencyUs = 1
	maxLatencyUs = int64(time.Hour / time.Microsecond)
	sigFigures   = 3
)

// Monitor collects connection outcomes and per-route handler latency.
// All methods are safe for concurrent use.
type Monitor struct {
	enabled atomic.Bool

	accepted atomic.Uint64
	active   atomic.Int64
	outcomes [numOutcomes]atomic.Uint64

	routes sync.Map // "METHOD /path" -> *RouteMetrics

	// Thresholds for Bottlenecks
	SlowThreshold  time.Duration
	ErrorThreshold float64
}

// RouteMetrics stores per-route metrics
type RouteMetrics struct {
	Name   string
	Count  atomic.Uint64
	Errors atomic.Uint64

	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

// Bottleneck represents a performance issue
type Bottleneck struct {
	Type     string  `json:"type"`
	Location string  `json:"location"`
	Severity int     `json:"severity"`
	Impact   float64 `json:"impact"`
	Details  string  `json:"details"`
}

// NewMonitor creates an enabled monitor
func NewMonitor() *Monitor {
	m := &Monitor{
		SlowThreshold:  100 * time.Millisecond,
		ErrorThreshold: 0.05,
	}
	m.enabled.Store(true)
	return m
}

// Enable turns recording on or off
func (m *Monitor) Enable(on bool) {
	m.enabled.Store(on)
}

// ConnectionOpened counts an accepted connection
func (m *Monitor) ConnectionOpened() {
	m.accepted.Add(1)
	m.active.Add(1)
}

// ConnectionClosed marks a connection as finished
func (m *Monitor) ConnectionClosed() {
	m.active.Add(-1)
}

// RecordOutcome counts a connection's terminal state
func (m *Monitor) RecordOutcome(o Outcome) {
	if !m.enabled.Load() || o < 0 || o >= numOutcomes {
		return
	}
	m.outcomes[o].Add(1)
}

// Outcomes returns the count recorded for o
func (m *Monitor) Outcomes(o Outcome) uint64 {
	if o < 0 || o >= numOutcomes {
		return 0
	}
	return m.outcomes[o].Load()
}

// RecordRoute records one handler invocation for route
func (m *Monitor) RecordRoute(route string, d time.Duration, failed bool) {
	if !m.enabled.Load() {
		return
	}

	val, ok := m.routes.Load(route)
	if !ok {
		val, _ = m.routes.LoadOrStore(route, &RouteMetrics{
			Name: route,
			hist: hdrhistogram.New(minLatencyUs, maxLatencyUs, sigFigures),
		})
	}
	rm := val.(*RouteMetrics)

	rm.Count.Add(1)
	if failed {
		rm.Errors.Add(1)
	}

	us := d.Microseconds()
	if us < minLatencyUs {
		us = minLatencyUs
	}
	if us > maxLatencyUs {
		us = maxLatencyUs
	}
	rm.mu.Lock()
	_ = rm.hist.RecordValue(us)
	rm.mu.Unlock()
}

// Snapshot is a point-in-time copy of the monitor's counters
type Snapshot struct {
	Accepted uint64            `json:"accepted"`
	Active   int64             `json:"active"`
	Outcomes map[string]uint64 `json:"outcomes"`
	Routes   []RouteSnapshot   `json:"routes"`
}

// RouteSnapshot summarises one route
type RouteSnapshot struct {
	Route  string  `json:"route"`
	Count  uint64  `json:"count"`
	Errors uint64  `json:"errors"`
	MeanUs float64 `json:"mean_us"`
	P50Us  int64   `json:"p50_us"`
	P90Us  int64   `json:"p90_us"`
	P99Us  int64   `json:"p99_us"`
	MaxUs  int64   `json:"max_us"`
}

// Snapshot copies the current counters; routes are sorted by name
func (m *Monitor) Snapshot() Snapshot {
	s := Snapshot{
		Accepted: m.accepted.Load(),
		Active:   m.active.Load(),
		Outcomes: make(map[string]uint64, numOutcomes),
	}
	for o := Outcome(0); o < numOutcomes; o++ {
		s.Outcomes[o.String()] = m.outcomes[o].Load()
	}

	m.routes.Range(func(_, value any) bool {
		s.Routes = append(s.Routes, value.(*RouteMetrics).snapshot())
		return true
	})
	sort.Slice(s.Routes, func(i, j int) bool { return s.Routes[i].Route < s.Routes[j].Route })

	return s
}

func (rm *RouteMetrics) snapshot() RouteSnapshot {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	return RouteSnapshot{
		Route:  rm.Name,
		Count:  rm.Count.Load(),
		Errors: rm.Errors.Load(),
		MeanUs: rm.hist.Mean(),
		P50Us:  rm.hist.ValueAtQuantile(50),
		P90Us:  rm.hist.ValueAtQuantile(90),
		P99Us:  rm.hist.ValueAtQuantile(99),
		MaxUs:  rm.hist.Max(),
	}
}

// Bottlenecks reports routes whose mean latency exceeds SlowThreshold or whose
// failure rate exceeds ErrorThreshold
func (m *Monitor) Bottlenecks() []Bottleneck {
	bottlenecks := make([]Bottleneck, 0)

	for _, r := range m.Snapshot().Routes {
		if r.Count == 0 {
			continue
		}

		mean := time.Duration(r.MeanUs) * time.Microsecond
		if mean > m.SlowThreshold {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:     "latency",
				Location: r.Route,
				Severity: 8,
				Impact:   float64(mean) / float64(m.SlowThreshold) * 100,
				Details:  fmt.Sprintf("High latency (%v avg)", mean),
			})
		}

		rate := float64(r.Errors) / float64(r.Count)
		if r.Errors > 0 && rate > m.ErrorThreshold {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:     "errors",
				Location: r.Route,
				Severity: 10,
				Impact:   rate * 100,
				Details:  fmt.Sprintf("%.1f%% error rate", rate*100),
			})
		}
	}

	return bottlenecks
}
