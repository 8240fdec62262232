package http

import (
	"strconv"
	"strings"
)

// Request is a single parsed HTTP/1.1 request. It is not modified after parsing.
type Request struct {
	Method string
	Path   string
	Proto  string

	// Raw header lines in wire order, e.g. "Host: example.com"
	Headers []string

	// Query parameters (never nil)
	Query map[string]string

	// Request body; nil when no body was read
	Body []byte
}

// HasBody reports whether a body was read for this request.
// A request with "Content-Length: 0" has an empty, non-nil body.
func (r *Request) HasBody() bool {
	return r.Body != nil
}

// QueryParam returns the decoded value of a query parameter
func (r *Request) QueryParam(name string) (string, bool) {
	v, ok := r.Query[name]
	return v, ok
}

// Header returns the trimmed value of the first header whose name equals name.
// The comparison is exact and case-sensitive.
func (r *Request) Header(name string) (string, bool) {
	for _, line := range r.Headers {
		if k, v, ok := splitHeader(line); ok && k == name {
			return v, true
		}
	}
	return "", false
}

// ContentLength returns the declared Content-Length, if any
func (r *Request) ContentLength() (int64, bool) {
	v, ok := r.Header(HeaderContentLength)
	if !ok {
		return 0, false
	}
	n, err := parseContentLength(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// String implements fmt.Stringer for log lines
func (r *Request) String() string {
	var sb strings.Builder
	sb.WriteString(r.Method)
	sb.WriteByte(' ')
	sb.WriteString(r.Path)
	sb.WriteByte(' ')
	sb.WriteString(r.Proto)
	sb.WriteString(" headers=")
	sb.WriteString(strconv.Itoa(len(r.Headers)))
	sb.WriteString(" query=")
	sb.WriteString(strconv.Itoa(len(r.Query)))
	if r.HasBody() {
		sb.WriteString(" body=")
		sb.WriteString(strconv.Itoa(len(r.Body)))
	}
	return sb.String()
}

// splitHeader splits "Name: value" into its name and trimmed value
func splitHeader(line string) (string, string, bool) {
	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return "", "", false
	}
	return line[:colon], strings.TrimSpace(line[colon+1:]), true
}

// parseContentLength accepts a non-negative decimal integer only
func parseContentLength(v string) (int64, error) {
	if v == "" {
		return 0, strconv.ErrSyntax
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.ParseInt(v, 10, 64)
}
