// Package app initializes and holds the long-lived client services, acting as a
// dependency injection container for the CLI commands.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepdf-client/internal/api"
	"github.com/JakeFAU/sitepdf-client/internal/artifacts"
	"github.com/JakeFAU/sitepdf-client/internal/backend"
	"github.com/JakeFAU/sitepdf-client/internal/clock/system"
	"github.com/JakeFAU/sitepdf-client/internal/config"
	"github.com/JakeFAU/sitepdf-client/internal/id/uuid"
	"github.com/JakeFAU/sitepdf-client/internal/jobstate"
	"github.com/JakeFAU/sitepdf-client/internal/metrics"
	"github.com/JakeFAU/sitepdf-client/internal/pageview"
	"github.com/JakeFAU/sitepdf-client/internal/policy/ratelimit"
	"github.com/JakeFAU/sitepdf-client/internal/poller"
	"github.com/JakeFAU/sitepdf-client/internal/progress"
	"github.com/JakeFAU/sitepdf-client/internal/progress/sinks"
	"github.com/JakeFAU/sitepdf-client/internal/session"
	"github.com/JakeFAU/sitepdf-client/internal/telemetry"
)

// App holds the shared services of one client process. It is built once at
// startup and closed when the command finishes.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	client   *backend.Client
	hub      *progress.Hub
	registry *prometheus.Registry
	store    *jobstate.Store
	view     *pageview.Model
	session  *session.Controller
	server   *api.Server
	tracer   *sdktrace.TracerProvider
	cancel   context.CancelFunc
	serveErr chan error
}

// New wires the backend client, job store, poller, view, and session. When
// metrics.addr is set the status server starts in the background.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var tracer *sdktrace.TracerProvider
	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: "sitepdf",
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		tracer = tp
	}

	registry := metrics.NewRegistry()
	waits, err := metrics.NewLimiterWaits(registry)
	if err != nil {
		shutdownTracer(tracer, logger)
		return nil, fmt.Errorf("init limiter metrics: %w", err)
	}
	client, err := backend.New(backend.Config{
		BaseURL:        cfg.Backend.BaseURL,
		Timeout:        cfg.RequestTimeout(),
		SubmitAttempts: cfg.Backend.SubmitAttempts,
		SubmitDelay:    time.Duration(cfg.Backend.SubmitDelayMs) * time.Millisecond,
		Limiter: ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.Backend.MaxRPS,
			Burst:             cfg.Backend.Burst,
			Observe:           waits.Observe,
		}),
	}, logger.Named("backend"))
	if err != nil {
		shutdownTracer(tracer, logger)
		return nil, fmt.Errorf("init backend client: %w", err)
	}

	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		shutdownTracer(tracer, logger)
		return nil, fmt.Errorf("init progress metrics: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if cfg.Progress.LogEvents {
		sinkList = append(sinkList, sinks.NewLogSink(logger))
	}
	hub := progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		Logger:         logger,
	}, sinkList...)

	clk := system.New()
	store := jobstate.New(client, jobstate.Options{Emitter: hub, Clock: clk, Logger: logger})
	view := pageview.New()
	poll := poller.New(client, store, poller.Config{
		Interval:           cfg.PollInterval(),
		MaxFailureDuration: time.Duration(cfg.Poll.MaxFailureSeconds) * time.Second,
		BackoffInitial:     time.Duration(cfg.Poll.BackoffInitialMs) * time.Millisecond,
		BackoffMax:         time.Duration(cfg.Poll.BackoffMaxMs) * time.Millisecond,
		Clock:              clk,
	}, hub, logger)

	runCtx, cancel := context.WithCancel(ctx)
	ctrl, err := session.New(session.Deps{
		Store:    store,
		Poller:   poll,
		View:     view,
		Resolver: client,
		IDs:      uuid.New(),
	}, session.Options{BaseContext: runCtx, Emitter: hub, Clock: clk, Logger: logger})
	if err != nil {
		cancel()
		_ = hub.Close(context.Background())
		shutdownTracer(tracer, logger)
		return nil, fmt.Errorf("init session: %w", err)
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		hub:      hub,
		registry: registry,
		store:    store,
		view:     view,
		session:  ctrl,
		tracer:   tracer,
		cancel:   cancel,
	}

	if cfg.Metrics.Addr != "" {
		httpMetrics, err := metrics.NewHTTP(registry)
		if err != nil {
			a.Close(context.Background())
			return nil, fmt.Errorf("init http metrics: %w", err)
		}
		a.server = api.NewServer(ctrl, registry, httpMetrics, logger)
		a.serveErr = make(chan error, 1)
		go func() {
			a.serveErr <- a.server.ListenAndServe(runCtx, cfg.Metrics.Addr)
		}()
	}

	logger.Info("client services initialized",
		zap.String("backend", client.BaseURL()),
		zap.Duration("poll_interval", cfg.PollInterval()),
		zap.String("status_addr", cfg.Metrics.Addr),
	)
	return a, nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Session returns the session controller.
func (a *App) Session() *session.Controller {
	return a.session
}

// View returns the page collection view-model fed by the job store.
func (a *App) View() *pageview.Model {
	return a.view
}

// Registry exposes the metrics registry.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Download saves the downloads of a finished session into dir. Page PDFs are
// included when pagePDFs is set.
func (a *App) Download(ctx context.Context, dir string, pagePDFs bool) ([]artifacts.Result, error) {
	st := a.session.Status()
	if st.State != session.StateDone {
		return nil, fmt.Errorf("session is %s, downloads need a completed job", st.State)
	}
	fetcher, err := artifacts.New(a.client, artifacts.Config{
		Dir:      dir,
		Attempts: a.cfg.Download.Attempts,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	arts := st.Downloads
	if pagePDFs {
		arts = append(arts, a.session.PageDownloads()...)
	}
	results, err := fetcher.Fetch(ctx, arts)
	if err != nil {
		return results, fmt.Errorf("download artifacts: %w", err)
	}
	return results, nil
}

// Close stops polling, shuts down the status server, and flushes progress
// sinks and the logger.
func (a *App) Close(ctx context.Context) {
	a.logger.Info("shutting down client services")
	a.session.Close()
	a.cancel()
	if a.serveErr != nil {
		if err := <-a.serveErr; err != nil {
			a.logger.Warn("status server stopped with error", zap.Error(err))
		}
	}
	if err := a.hub.Close(ctx); err != nil {
		a.logger.Warn("progress hub close failed", zap.Error(err))
	}
	if dropped := a.hub.Dropped(); dropped > 0 {
		a.logger.Warn("progress events dropped", zap.Int64("count", dropped))
	}
	shutdownTracer(a.tracer, a.logger)
	// Sync on a terminal device returns EINVAL; nothing to act on.
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func shutdownTracer(tp *sdktrace.TracerProvider, logger *zap.Logger) {
	if tp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}
}
