package core

import (
	"bufio"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/searchktools/block-server/core/http"
	"github.com/searchktools/block-server/core/observability"
)

// State is a connection session state
type State int

// Session states. Every session moves forward only and ends in exactly one
// terminal state, after which the connection is closed.
const (
	StateStart State = iota
	StateParsed
	StateResolved

	// Terminal states
	StateBadRequestSent
	StateTooLargeSent
	StateNotFoundSent
	StateHandlerCompleted
	StateServerErrorSent
	StateAborted
)

var stateNames = map[State]string{
	StateStart:            "start",
	StateParsed:           "parsed",
	StateResolved:         "resolved",
	StateBadRequestSent:   "bad_request_sent",
	StateTooLargeSent:     "too_large_sent",
	StateNotFoundSent:     "not_found_sent",
	StateHandlerCompleted: "handler_completed",
	StateServerErrorSent:  "server_error_sent",
	StateAborted:          "aborted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Outcome maps a terminal state to its metrics outcome
func (s State) Outcome() observability.Outcome {
	switch s {
	case StateBadRequestSent:
		return observability.OutcomeBadRequest
	case StateTooLargeSent:
		return observability.OutcomeTooLarge
	case StateNotFoundSent:
		return observability.OutcomeNotFound
	case StateHandlerCompleted:
		return observability.OutcomeCompleted
	case StateServerErrorSent:
		return observability.OutcomeHandlerFailed
	default:
		return observability.OutcomeStreamFailed
	}
}

// Session owns one accepted connection from parse to close
type Session struct {
	engine *Engine
	conn   net.Conn
	state  State
}

func newSession(e *Engine, conn net.Conn) *Session {
	return &Session{engine: e, conn: conn, state: StateStart}
}

// State returns the session's current state
func (s *Session) State() State {
	return s.state
}

// Run serves the single request on the connection and closes it
func (s *Session) Run() {
	e := s.engine
	e.monitor.ConnectionOpened()
	defer e.monitor.ConnectionClosed()
	defer s.conn.Close()

	now := time.Now()
	if e.opts.ReadTimeout > 0 {
		s.conn.SetReadDeadline(now.Add(e.opts.ReadTimeout))
	}
	if e.opts.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(now.Add(e.opts.WriteTimeout))
	}
	e.track(s.conn)
	defer e.untrack(s.conn)

	r := e.ioPool.GetReader(s.conn)
	w := e.ioPool.GetWriter(s.conn)
	defer e.ioPool.PutReader(r)
	defer e.ioPool.PutWriter(w)

	s.state = s.serve(r, w)
	e.monitor.RecordOutcome(s.state.Outcome())
}

func (s *Session) serve(r *bufio.Reader, w *bufio.Writer) State {
	e := s.engine

	req, err := e.parser.Parse(r, w)
	switch {
	case err == nil:
		s.state = StateParsed
	case errors.Is(err, http.ErrMalformedRequest):
		e.debugf("%s: bad request: %v", s.conn.RemoteAddr(), err)
		return StateBadRequestSent
	case errors.Is(err, http.ErrBodyTooLarge):
		e.debugf("%s: %v", s.conn.RemoteAddr(), err)
		return StateTooLargeSent
	default:
		e.logf("%s: %v", s.conn.RemoteAddr(), err)
		return StateAborted
	}

	h, ok := e.router.Resolve(req.Method, req.Path)
	if !ok {
		if err := http.WriteStatus(w, http.StatusNotFound); err != nil {
			e.logf("%s: write 404: %v", s.conn.RemoteAddr(), err)
			return StateAborted
		}
		return StateNotFoundSent
	}
	s.state = StateResolved

	route := req.Method + " " + req.Path
	start := time.Now()
	err = s.invoke(h, req, w)
	e.monitor.RecordRoute(route, time.Since(start), err != nil)

	if err == nil {
		if err := w.Flush(); err != nil {
			e.logf("%s: %s: flush response: %v", s.conn.RemoteAddr(), route, err)
			return StateAborted
		}
		return StateHandlerCompleted
	}

	// Details stay in the log; the client only sees a bare 500
	e.logf("%s: %s: handler failed: %+v", s.conn.RemoteAddr(), route, err)

	// Drop whatever the handler buffered but never flushed
	w.Reset(s.conn)
	if err := http.WriteStatus(w, http.StatusInternalServerError); err != nil {
		e.logf("%s: write 500: %v", s.conn.RemoteAddr(), err)
		return StateAborted
	}
	return StateServerErrorSent
}

// invoke runs the handler behind the engine's middleware, converting a panic
// into an error
func (s *Session) invoke(h http.Handler, req *http.Request, w *bufio.Writer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return s.engine.pipeline.Then(h).Handle(req, w)
}
