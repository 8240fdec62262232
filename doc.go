/*
Package blockserver provides a minimal blocking HTTP/1.1 server.

Every accepted connection carries exactly one request. A fixed pool of
worker goroutines parses it, dispatches it to the handler registered for
its exact method and path, and closes the connection. There is no
keep-alive, no chunked encoding and no path parameters.

Features

  - Bounded request head: the request line and headers must fit a 4096-byte scan window
  - Content-Length bodies with a configurable size cap (413 above it)
  - Exact method + path routing; the last registration for a pair wins
  - Minimal error responses: 400, 404 and 500 with "Content-Length: 0" and "Connection: close"
  - Bounded concurrency: 64 workers by default behind a bounded queue
  - Per-route latency histograms and a statistics route (JSON or protobuf)
  - Configuration from flags, BLOCK_SERVER_* environment variables and a YAML file

Quick Start

Basic usage example:

package main

import (
    "io"

    "github.com/searchktools/block-server/app"
    "github.com/searchktools/block-server/config"
    "github.com/searchktools/block-server/core/http"
)

func main() {
    cfg := config.New()
    application := app.New(cfg)

    engine := application.Engine()
    engine.GET("/hello", func(req *http.Request, w io.Writer) error {
        return http.NewResponse(w).String(200, "Hello, World!")
    })

    engine.POST("/echo", func(req *http.Request, w io.Writer) error {
        return http.NewResponse(w).Bytes(200, req.Body)
    })

    application.Run()
}

A handler that returns an error, or panics, produces a 500 response. Any
bytes it wrote but did not flush are discarded first.

Modules

The server is organized into several modules:

  - app: Application lifecycle and signal handling
  - config: Configuration loading (flags, environment, file) and validation
  - core: Engine (accept loop) and per-connection sessions
  - core/http: Request parsing and response writing
  - core/router: Exact-match routing
  - core/middleware: Middleware pipeline
  - core/pools: Worker pool and buffered I/O pools
  - core/codec: Response encodings for the statistics route
  - core/observability: Connection outcomes and route latency
  - cmd/block-server: Command-line entry point

For more information, see https://github.com/searchktools/block-server
*/
package blockserver
