package http

// Methods
const (
	MethodGet     = "GET"
	MethodHead    = "HEAD"
	MethodPost    = "POST"
	MethodPut     = "PUT"
	MethodPatch   = "PATCH"
	MethodDelete  = "DELETE"
	MethodOptions = "OPTIONS"
)

// Header names
const (
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderConnection    = "Connection"
)

// Status codes
const (
	StatusOK                    = 200
	StatusCreated               = 201
	StatusNoContent             = 204
	StatusBadRequest            = 400
	StatusNotFound              = 404
	StatusRequestEntityTooLarge = 413
	StatusTooManyRequests       = 429
	StatusInternalServerError   = 500
)

var statusText = map[int]string{
	StatusOK:                    "OK",
	StatusCreated:               "Created",
	StatusNoContent:             "No Content",
	StatusBadRequest:            "Bad Request",
	StatusNotFound:              "Not Found",
	StatusRequestEntityTooLarge: "Payload Too Large",
	StatusTooManyRequests:       "Too Many Requests",
	StatusInternalServerError:   "Internal Server Error",
}

// StatusText returns the reason phrase for code, or "" if unknown
func StatusText(code int) string {
	return statusText[code]
}
