package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"WalletPull/internal/domain/repository"
	"WalletPull/internal/handler/api"
	"WalletPull/internal/usecase"
	pkgch "WalletPull/pkg/clickhouse"
	"WalletPull/pkg/config"
	xhttp "WalletPull/pkg/http"
	pkgkafka "WalletPull/pkg/kafka"
	applogger "WalletPull/pkg/logger"
	pkgqueue "WalletPull/pkg/queue"

	"github.com/labstack/echo/v4"
)

// App encapsulates the entire application lifecycle: the results
// consumer, the consolidation queue worker, the timeout monitor and the
// HTTP API.
type App struct {
	cfg        *config.Config
	logger     *applogger.Logger
	consumer   *pkgkafka.Consumer
	rh         *usecase.ResultHandler
	queue      *pkgqueue.RedisQueue
	monitor    *usecase.TimeoutMonitor
	portfolio  *api.PortfolioHandler
	stream     *api.JobStream
	bus        repository.RequestBus
	chClient   *pkgch.Client
	httpServer *xhttp.Server
}

// New creates a new App instance with all dependencies.
func New(
	cfg *config.Config,
	lgr *applogger.Logger,
	consumer *pkgkafka.Consumer,
	rh *usecase.ResultHandler,
	queue *pkgqueue.RedisQueue,
	monitor *usecase.TimeoutMonitor,
	portfolio *api.PortfolioHandler,
	stream *api.JobStream,
	bus repository.RequestBus,
	chClient *pkgch.Client,
) *App {
	return &App{
		cfg:       cfg,
		logger:    lgr,
		consumer:  consumer,
		rh:        rh,
		queue:     queue,
		monitor:   monitor,
		portfolio: portfolio,
		stream:    stream,
		bus:       bus,
		chClient:  chClient,
	}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := a.logger

	a.httpServer = xhttp.NewServer(routes{a.portfolio, a.stream},
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
	)

	// Consolidation queue worker
	if err := a.queue.Start(); err != nil {
		l.Error("queue start error", applogger.Error(err))
		return err
	}

	// Results consumer
	a.consumer.RegisterHandler(a.rh)
	if err := a.consumer.Start(); err != nil {
		l.Error("kafka consumer error", applogger.Error(err))
		return err
	}
	l.Info("results consumer started", applogger.String("topic", a.rh.Topic()))

	// Timeout monitor backstop
	a.monitor.Start(ctx)

	if err := a.httpServer.Start(); err != nil {
		l.Error("http server start error", applogger.Error(err))
		return err
	}
	l.Info("walletpull started",
		applogger.String("env", a.cfg.Environment),
		applogger.Int("port", a.cfg.Server.Port))

	// Wait for interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	l.Info("shutdown signal received")
	return a.shutdown(ctx)
}

// shutdown gracefully stops all services.
func (a *App) shutdown(ctx context.Context) error {
	l := a.logger

	a.monitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.httpServer.Stop(shutdownCtx); err != nil {
		l.Error("http shutdown error", applogger.Error(err))
	}
	if err := a.consumer.Stop(shutdownCtx); err != nil {
		l.Warn("consumer stop error", applogger.Error(err))
	}
	if err := a.queue.Stop(shutdownCtx); err != nil {
		l.Warn("queue stop error", applogger.Error(err))
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			l.Warn("request bus close error", applogger.Error(err))
		}
	}
	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			l.Warn("clickhouse close error", applogger.Error(err))
		}
	}

	l.Info("shutdown complete")
	return nil
}

// routes registers every HTTP handler on one echo instance.
type routes struct {
	portfolio *api.PortfolioHandler
	stream    *api.JobStream
}

func (r routes) RegisterRoutes(e *echo.Echo) {
	r.portfolio.RegisterRoutes(e)
	r.stream.RegisterRoutes(e)
}
