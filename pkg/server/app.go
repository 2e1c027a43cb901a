package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"AstroSeis/internal/domain/repository"
	"AstroSeis/internal/usecase"
	"AstroSeis/pkg/config"
	xhttp "AstroSeis/pkg/http"
	pkgkafka "AstroSeis/pkg/kafka"
	applogger "AstroSeis/pkg/logger"
)

// runDrainTimeout bounds how long shutdown waits for canceled runs to
// persist their partial results.
const runDrainTimeout = 30 * time.Second

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	logger     *applogger.Logger
	httpServer *xhttp.Server
	runner     *usecase.Runner
	consumer   *pkgkafka.Consumer
	publisher  repository.ResultPublisher
}

// New creates a new App instance. consumer may be nil when ingest is off.
func New(
	cfg *config.Config,
	logger *applogger.Logger,
	httpServer *xhttp.Server,
	runner *usecase.Runner,
	consumer *pkgkafka.Consumer,
	publisher repository.ResultPublisher,
) *App {
	return &App{
		cfg:        cfg,
		logger:     logger,
		httpServer: httpServer,
		runner:     runner,
		consumer:   consumer,
		publisher:  publisher,
	}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.consumer != nil {
		if err := a.consumer.Start(); err != nil {
			return fmt.Errorf("start kafka consumer: %w", err)
		}
	}
	if err := a.httpServer.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	a.logger.Info("astroseis started",
		applogger.Int("port", a.cfg.Server.Port),
		applogger.Int("max_active_runs", a.cfg.Server.MaxActiveRuns),
		applogger.Bool("ingest", a.consumer != nil))

	<-ctx.Done()
	a.logger.Info("shutdown signal received")
	return a.shutdown()
}

// shutdown stops intake first, then lets canceled runs save their results
// before the publisher and the consumer are closed.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout+runDrainTimeout)
	defer cancel()

	if err := a.httpServer.Stop(ctx); err != nil {
		a.logger.Error("http shutdown error", applogger.Error(err))
	}

	if err := a.runner.Shutdown(ctx); err != nil {
		a.logger.Warn("runs did not finish before shutdown", applogger.Error(err))
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.logger.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	if err := a.publisher.Close(); err != nil {
		a.logger.Warn("result publisher close error", applogger.Error(err))
	}

	a.logger.Info("shutdown complete")
	return nil
}
