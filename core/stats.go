package core

import (
	"io"

	"github.com/pkg/errors"

	"github.com/searchktools/block-server/core/codec"
	"github.com/searchktools/block-server/core/http"
	"github.com/searchktools/block-server/core/observability"
	"github.com/searchktools/block-server/core/pools"
)

// Stats is a point-in-time view of the engine
type Stats struct {
	Connections observability.Snapshot     `json:"connections"`
	Workers     pools.WorkerPoolStats      `json:"workers"`
	Buffers     pools.IOPoolStats          `json:"buffers"`
	Bottlenecks []observability.Bottleneck `json:"bottlenecks"`
}

// Stats collects the engine's current statistics
func (e *Engine) Stats() Stats {
	s := Stats{
		Connections: e.monitor.Snapshot(),
		Buffers:     e.ioPool.Stats(),
		Bottlenecks: e.monitor.Bottlenecks(),
	}

	e.mu.Lock()
	workerPool := e.workerPool
	e.mu.Unlock()
	if workerPool != nil {
		s.Workers = workerPool.Stats()
	}
	return s
}

// StatsHandler serves Stats. The "format" query parameter picks the
// encoding: json (default) or protobuf. Unknown formats get a 400.
func (e *Engine) StatsHandler() http.Handler {
	return http.HandlerFunc(func(req *http.Request, w io.Writer) error {
		format, _ := req.QueryParam("format")
		c, err := codec.ForName(format)
		if err != nil {
			return http.WriteStatus(w, http.StatusBadRequest)
		}

		data, err := c.Encode(e.Stats())
		if err != nil {
			return errors.Wrapf(err, "encode stats as %s", c.Name())
		}
		return http.NewResponse(w).Data(http.StatusOK, c.ContentType(), data)
	})
}
