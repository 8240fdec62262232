package http

import "io"

// Handler writes a complete HTTP response for a request.
//
// A handler owns the response: status line, headers and body. Returning an
// error (or panicking) makes the server answer 500 instead, which is only
// clean if nothing was flushed to w yet.
type Handler interface {
	Handle(req *Request, w io.Writer) error
}

// HandlerFunc adapts an ordinary function to Handler
type HandlerFunc func(req *Request, w io.Writer) error

// Handle calls f(req, w)
func (f HandlerFunc) Handle(req *Request, w io.Writer) error {
	return f(req, w)
}
