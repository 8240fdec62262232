package http

import (
	"bufio"
	"bytes"
	"io"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

const (
	// DefaultScanWindow is the most bytes scanned for the request line plus headers
	DefaultScanWindow = 4096

	// DefaultMaxBodySize caps the Content-Length a request may declare
	DefaultMaxBodySize = 8 << 20

	// bodyPrealloc bounds the buffer reserved before any body byte arrives
	bodyPrealloc = 64 << 10
)

var (
	ErrMalformedRequest = errors.New("malformed request")
	ErrBodyTooLarge     = errors.New("request body too large")
	ErrStreamFailure    = errors.New("stream failure")
)

var (
	crlf     = []byte("\r\n")
	crlfCRLF = []byte("\r\n\r\n")
)

// StreamError is an I/O failure on the connection while reading the request.
// It matches ErrStreamFailure with errors.Is.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return "stream failure: " + e.Op + ": " + e.Err.Error()
}

func (e *StreamError) Unwrap() error { return e.Err }

func (e *StreamError) Is(target error) bool { return target == ErrStreamFailure }

func streamError(op string, err error) error {
	return errors.WithStack(&StreamError{Op: op, Err: err})
}

// Parser reads one request from a buffered connection reader
type Parser struct {
	// ScanWindow bounds the request line and header block together.
	// It is clamped to the reader's buffer size.
	ScanWindow int

	// MaxBodySize rejects larger declared bodies with 413; 0 disables the check
	MaxBodySize int64

	// LooseContentLength selects the body length from the first header line
	// starting with "Content-Length" instead of an exact name match
	LooseContentLength bool
}

// DefaultParser is used by ParseRequest
var DefaultParser = &Parser{
	ScanWindow:  DefaultScanWindow,
	MaxBodySize: DefaultMaxBodySize,
}

// NewReader wraps rd in a reader large enough for a scan window of the given size
func NewReader(rd io.Reader, window int) *bufio.Reader {
	if window <= 0 {
		window = DefaultScanWindow
	}
	return bufio.NewReaderSize(rd, window)
}

// ParseRequest parses with DefaultParser
func ParseRequest(r *bufio.Reader, w io.Writer) (*Request, error) {
	return DefaultParser.Parse(r, w)
}

// Parse reads the request line, the header block and, for methods other
// than GET, a Content-Length governed body from r.
//
// Malformed input is answered on w with a minimal 400 response and reported
// as an error matching ErrMalformedRequest. A declared body above MaxBodySize
// is answered with 413 and reported as ErrBodyTooLarge. I/O failures match
// ErrStreamFailure and leave w untouched.
func (p *Parser) Parse(r *bufio.Reader, w io.Writer) (*Request, error) {
	head, lineEnd, headEnd, err := p.scan(r)
	if err != nil {
		return nil, err
	}
	if lineEnd == -1 {
		return nil, reject(w, "request line delimiter not found")
	}

	// Copy out of the reader's buffer before anything is consumed
	fields := strings.Split(string(head[:lineEnd]), " ")
	if len(fields) != 3 {
		return nil, reject(w, "request line has %d fields", len(fields))
	}
	method, target, proto := fields[0], fields[1], fields[2]

	path, rawQuery, _ := strings.Cut(target, "?")
	if !strings.HasPrefix(path, "/") {
		return nil, reject(w, "request target %q does not start with /", target)
	}
	query := parseQuery(rawQuery)

	if headEnd == -1 {
		return nil, reject(w, "header block terminator not found")
	}

	headersStart := lineEnd + len(crlf)
	headersLen := headEnd - headersStart
	if headersLen < 0 {
		// No header lines: the request line CRLF is part of the terminator
		headersLen = 0
	}

	if _, err := r.Discard(headersStart); err != nil {
		return nil, streamError("skip request line", err)
	}
	raw := make([]byte, headersLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, streamError("read headers", err)
	}
	headers := []string{}
	if headersLen > 0 {
		headers = strings.Split(string(raw), "\r\n")
	}

	req := &Request{
		Method:  method,
		Path:    path,
		Proto:   proto,
		Headers: headers,
		Query:   query,
	}
	if method == MethodGet {
		return req, nil
	}

	rest := headEnd + len(crlfCRLF) - (headersStart + headersLen)
	if _, err := r.Discard(rest); err != nil {
		return nil, streamError("skip header terminator", err)
	}

	value, ok := p.contentLength(headers)
	if !ok {
		return req, nil
	}
	n, err := parseContentLength(value)
	if err != nil {
		return nil, reject(w, "invalid Content-Length %q", value)
	}
	if p.MaxBodySize > 0 && n > p.MaxBodySize {
		if err := WriteStatus(w, StatusRequestEntityTooLarge); err != nil {
			return nil, streamError("write 413", err)
		}
		return nil, errors.Wrapf(ErrBodyTooLarge, "declared %d bytes, limit %d", n, p.MaxBodySize)
	}

	body, err := readBody(r, n)
	if err != nil {
		return nil, streamError("read body", err)
	}
	req.Body = body
	return req, nil
}

// readBody reads exactly n bytes. The buffer grows as bytes arrive, so a
// declared length the peer never sends costs nothing. The result is non-nil
// even when n is 0.
func readBody(r io.Reader, n int64) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, min(n, bodyPrealloc)))
	if _, err := io.CopyN(buf, r, n); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

// scan peeks at up to the scan window without consuming anything. It returns
// the visible bytes plus the offsets of the first CRLF and of the first CRLFCRLF
// at or after it, -1 when absent. More bytes are read only while the
// delimiters are missing, the window is not full and the peer keeps sending.
//
// The terminator search starts at the request-line CRLF itself rather than
// after it, so a request with no header lines ("GET / HTTP/1.1\r\n\r\n")
// is accepted instead of rejected with 400.
func (p *Parser) scan(r *bufio.Reader) ([]byte, int, int, error) {
	window := p.ScanWindow
	if window <= 0 {
		window = DefaultScanWindow
	}
	if size := r.Size(); window > size {
		window = size
	}

	want := 1
	for {
		_, peekErr := r.Peek(want)

		avail := r.Buffered()
		if avail > window {
			avail = window
		}
		head, _ := r.Peek(avail)

		lineEnd := bytes.Index(head, crlf)
		headEnd := -1
		if lineEnd != -1 {
			if i := bytes.Index(head[lineEnd:], crlfCRLF); i != -1 {
				headEnd = lineEnd + i
			}
		}
		if headEnd != -1 || avail >= window {
			return head, lineEnd, headEnd, nil
		}

		if peekErr != nil && peekErr != bufio.ErrBufferFull {
			if peekErr == io.EOF {
				return head, lineEnd, headEnd, nil
			}
			return nil, -1, -1, streamError("read request head", peekErr)
		}
		want = avail + 1
	}
}

func (p *Parser) contentLength(headers []string) (string, bool) {
	for _, line := range headers {
		if p.LooseContentLength {
			if !strings.HasPrefix(line, HeaderContentLength) {
				continue
			}
			sp := strings.IndexByte(line, ' ')
			if sp == -1 {
				return "", true
			}
			return strings.TrimSpace(line[sp:]), true
		}
		if name, value, ok := splitHeader(line); ok && name == HeaderContentLength {
			return value, true
		}
	}
	return "", false
}

// reject answers with 400 and returns the malformed-request error
func reject(w io.Writer, format string, args ...any) error {
	if err := WriteStatus(w, StatusBadRequest); err != nil {
		return streamError("write 400", err)
	}
	return errors.Wrapf(ErrMalformedRequest, format, args...)
}

// parseQuery decodes an application/x-www-form-urlencoded query string.
// Later duplicates win and invalid escapes are kept verbatim.
func parseQuery(raw string) map[string]string {
	query := make(map[string]string)
	for raw != "" {
		var pair string
		pair, raw, _ = strings.Cut(raw, "&")
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		key = unescape(key)
		if key == "" {
			continue
		}
		query[key] = unescape(value)
	}
	return query
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}
