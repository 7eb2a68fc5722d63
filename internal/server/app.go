// Package server wires the archiver's components into a runnable application.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/admission"
	"github.com/JakeFAU/listing-archiver/internal/api"
	"github.com/JakeFAU/listing-archiver/internal/archiver"
	"github.com/JakeFAU/listing-archiver/internal/config"
	"github.com/JakeFAU/listing-archiver/internal/events"
	"github.com/JakeFAU/listing-archiver/internal/pipeline"
	"github.com/JakeFAU/listing-archiver/internal/session"
	"github.com/JakeFAU/listing-archiver/internal/tenant"
)

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	redis      *redis.Client
	apiServer  *api.Server
	controller *admission.Controller
	registry   *session.Registry
	pipeline   *pipeline.Pipeline
	limits     *tenant.Limits
	hub        *events.Hub
	captured   chan archiver.CapturedPayload
	closers    []namedCloser
	tracer     *sdktrace.TracerProvider

	startOnce    sync.Once
	started      atomic.Bool
	pipelineDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

type namedCloser struct {
	name string
	io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Start launches the archive pipeline workers. It is idempotent.
func (a *App) Start() {
	a.startOnce.Do(func() {
		a.started.Store(true)
		go func() {
			defer close(a.pipelineDone)
			// Workers exit once captured is closed and drained.
			a.pipeline.Run(context.Background(), a.captured)
		}()
		a.logger.Info("archive pipeline started", zap.Int("workers", a.cfg.Pipeline.Workers))
	})
}

// Reset clears every lock, queue, and worker count.
func (a *App) Reset(ctx context.Context) (admission.ResetReport, error) {
	return a.controller.Reset(ctx)
}

// WatchConfig reloads tenant limits when the config file at path changes.
func (a *App) WatchConfig(path string) error {
	return config.Watch(path, func(cfg config.Config) {
		a.limits.Update(cfg.Tenants.DefaultCrawlerLimit, cfg.Tenants.Limits)
		a.logger.Info("tenant limits reloaded",
			zap.Int("default_limit", cfg.Tenants.DefaultCrawlerLimit),
			zap.Int("tenants", len(cfg.Tenants.Limits)),
		)
	}, a.logger)
}

// Run serves HTTP until SIGINT/SIGTERM or ctx cancellation. SIGHUP triggers
// an administrative reset.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Start()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				report, err := a.Reset(ctx)
				if err != nil {
					a.logger.Error("reset on SIGHUP failed", zap.Error(err))
					continue
				}
				a.logger.Info("reset on SIGHUP",
					zap.Int("locks", report.Locks),
					zap.Int("queue_keys", report.QueueKeys),
					zap.Int("worker_counts", report.WorkerCount),
				)
			}
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if a.hub != nil {
		// Hijacked websocket connections are not tracked by Shutdown.
		_ = a.hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close stops sessions, drains the pipeline, and releases infrastructure.
// Calls after the first return the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if err := a.registry.Shutdown(ctx); err != nil {
			// Sessions may still send captures; leave the channel open.
			errs = append(errs, fmt.Errorf("session shutdown: %w", err))
		} else {
			a.drainPipeline(ctx)
		}
		a.closeInfrastructure()
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) drainPipeline(ctx context.Context) {
	close(a.captured)
	if !a.started.Load() {
		return
	}
	select {
	case <-a.pipelineDone:
	case <-ctx.Done():
		a.logger.Warn("pipeline drain timed out", zap.Error(ctx.Err()))
	}
}

func (a *App) closeInfrastructure() {
	// Reverse construction order.
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.Close(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
