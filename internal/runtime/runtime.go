package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/loqalabs/loqa-coach/internal/config"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger

	services      *Services
	echo          *echo.Echo
	metricsServer *http.Server
	telemetry     *telemetry
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Start runs the coaching service until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	svc, err := Build(ctx, r.cfg, r.logger)
	if err != nil {
		r.shutdownTelemetry()
		return err
	}
	r.services = svc

	r.echo = newEcho(r.logger)
	NewAPI(svc, r.isReady, tel.metrics, r.logger).RegisterRoutes(r.echo)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.echo.Server.ReadHeaderTimeout = 5 * time.Second
	r.serve("http", func() error { return r.echo.Start(addr) })

	mux := http.NewServeMux()
	mux.Handle("/metrics", tel.metrics)
	r.metricsServer = &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve("metrics", r.metricsServer.ListenAndServe)

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("metrics", r.cfg.Telemetry.PrometheusBind),
		slog.String("version", r.version),
	)

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return r.shutdown()
}

func (r *Runtime) serve(name string, listen func() error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Closing services first ends any live session and closes snapshot
	// streams so websocket handlers return before the listener drains.
	var errs []error
	if err := r.services.Close(); err != nil {
		errs = append(errs, err)
		r.logger.Error("services shutdown error", slog.String("error", err.Error()))
	}
	if err := r.echo.Shutdown(ctx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if err := r.metricsServer.Shutdown(ctx); err != nil {
		r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.shutdownTelemetry()
	return errors.Join(errs...)
}

func (r *Runtime) shutdownTelemetry() {
	if r.telemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.telemetry.shutdown(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) isReady() bool {
	return r.ready.Load() && r.services != nil && r.services.Healthy()
}

func newEcho(logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	log := logger.With(slog.String("component", "http"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			log.Debug("request", attrs...)
			return nil
		},
	}))
	return e
}
