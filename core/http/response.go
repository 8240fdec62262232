package http

import (
	"encoding/json"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

type flusher interface {
	Flush() error
}

// minimal responses are built once; they never change
var minimal = map[int][]byte{
	StatusBadRequest:            buildMinimal(StatusBadRequest),
	StatusNotFound:              buildMinimal(StatusNotFound),
	StatusRequestEntityTooLarge: buildMinimal(StatusRequestEntityTooLarge),
	StatusTooManyRequests:       buildMinimal(StatusTooManyRequests),
	StatusInternalServerError:   buildMinimal(StatusInternalServerError),
}

func buildMinimal(code int) []byte {
	b := appendStatusLine(nil, code)
	b = append(b, "Content-Length: 0\r\nConnection: close\r\n\r\n"...)
	return b
}

// MinimalResponse returns the header-only response for code:
// status line, "Content-Length: 0", "Connection: close" and a blank line.
func MinimalResponse(code int) []byte {
	if b, ok := minimal[code]; ok {
		return b
	}
	return buildMinimal(code)
}

// WriteStatus writes the minimal response for code and flushes w if it buffers
func WriteStatus(w io.Writer, code int) error {
	if _, err := w.Write(MinimalResponse(code)); err != nil {
		return err
	}
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

func appendStatusLine(b []byte, code int) []byte {
	b = append(b, "HTTP/1.1 "...)
	b = strconv.AppendInt(b, int64(code), 10)
	b = append(b, ' ')
	b = append(b, StatusText(code)...)
	return append(b, "\r\n"...)
}

// Response builds complete responses for handlers. Every response carries
// Content-Length and "Connection: close".
type Response struct {
	w      io.Writer
	header []string
	buf    []byte
}

// NewResponse returns a Response writing to w
func NewResponse(w io.Writer) *Response {
	return &Response{w: w}
}

// SetHeader adds an extra header line to the next response
func (r *Response) SetHeader(name, value string) *Response {
	r.header = append(r.header, name+": "+value)
	return r
}

// String sends a text response
func (r *Response) String(code int, s string) error {
	return r.Data(code, "text/plain; charset=utf-8", []byte(s))
}

// JSON sends a JSON response
func (r *Response) JSON(code int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal response")
	}
	return r.Data(code, "application/json", data)
}

// Bytes sends a raw bytes response
func (r *Response) Bytes(code int, data []byte) error {
	return r.Data(code, "application/octet-stream", data)
}

// Data sends data with the given content type and flushes
func (r *Response) Data(code int, contentType string, data []byte) error {
	b := appendStatusLine(r.buf[:0], code)
	b = append(b, "Content-Type: "...)
	b = append(b, contentType...)
	b = append(b, "\r\nContent-Length: "...)
	b = strconv.AppendInt(b, int64(len(data)), 10)
	b = append(b, "\r\nConnection: close\r\n"...)
	for _, line := range r.header {
		b = append(b, line...)
		b = append(b, "\r\n"...)
	}
	b = append(b, "\r\n"...)
	b = append(b, data...)
	r.buf = b

	if _, err := r.w.Write(b); err != nil {
		return err
	}
	if f, ok := r.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}
