package app

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"

	"github.com/searchktools/block-server/config"
	"github.com/searchktools/block-server/core"
	"github.com/searchktools/block-server/core/http"
)

// App ties a configuration to an engine and its process lifecycle
type App struct {
	cfg    *config.Config
	engine *core.Engine
	logger *log.Logger
}

// New creates an application instance
func New(cfg *config.Config) *App {
	logger := log.Default()
	return NewWithEngine(cfg, core.NewEngineWithOptions(cfg.Options(logger)))
}

// NewWithEngine creates an application instance with a pre-configured engine
func NewWithEngine(cfg *config.Config, engine *core.Engine) *App {
	a := &App{
		cfg:    cfg,
		engine: engine,
		logger: log.Default(),
	}
	if cfg.StatsPath != "" {
		engine.Handle(http.MethodGet, cfg.StatsPath, engine.StatsHandler())
	}
	return a
}

// Engine returns the underlying engine for route registration
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Run serves until SIGINT or SIGTERM, then waits for in-flight connections.
// It returns nil after a signal-driven shutdown.
func (a *App) Run() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	stop := make(chan struct{})
	defer close(stop)
	go a.awaitSignal(quit, stop)

	a.logger.Printf("🚀 Block server starting on port %d [%s]", a.cfg.Port, a.cfg.Env)

	err := a.engine.Run(a.cfg.Addr())
	if errors.Is(err, core.ErrServerClosed) {
		a.logger.Printf("Server stopped")
		return nil
	}
	return errors.Wrap(err, "server startup failed")
}

// Shutdown stops the engine
func (a *App) Shutdown() error {
	return a.engine.Close()
}

func (a *App) awaitSignal(quit <-chan os.Signal, stop <-chan struct{}) {
	select {
	case sig := <-quit:
		a.logger.Printf("Signal received: %v. Shutting down...", sig)
		if err := a.Shutdown(); err != nil {
			a.logger.Printf("Shutdown error: %v", err)
		}
	case <-stop:
	}
}
