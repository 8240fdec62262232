package core

import "errors"

// Error definitions
var (
	ErrServerClosed = errors.New("server closed")
)

// Defaults
const (
	DefaultWorkers        = 64
	DefaultQueueSize      = 1024
	DefaultMaxConnections = DefaultWorkers + DefaultQueueSize
)
