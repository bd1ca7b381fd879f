package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ctagard/dap-orchestrator/internal/adapters"
	"github.com/ctagard/dap-orchestrator/internal/breakpoints"
	"github.com/ctagard/dap-orchestrator/internal/capture"
	"github.com/ctagard/dap-orchestrator/internal/config"
	"github.com/ctagard/dap-orchestrator/internal/host"
	"github.com/ctagard/dap-orchestrator/internal/inspect"
	"github.com/ctagard/dap-orchestrator/internal/mcp"
	"github.com/ctagard/dap-orchestrator/internal/metrics"
	"github.com/ctagard/dap-orchestrator/internal/orchestrator"
	"github.com/ctagard/dap-orchestrator/internal/session"
	"github.com/ctagard/dap-orchestrator/internal/stopwait"
	"github.com/ctagard/dap-orchestrator/internal/tracker"
)

// app is the wired process.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	host     *host.Host
	trackers *tracker.Manager
	server   *mcp.Server
}

// newApp wires every component from the configuration.
func newApp(cfg *config.Config, logger *zap.Logger) *app {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	store := session.NewStore(m)
	outputs := capture.NewStore(cfg.MaxOutputLines, cfg.MaxOutputChars)
	bus := stopwait.NewBus()
	inspector := inspect.New(cfg.RequestTimeout())
	trackers := tracker.NewManager(store, outputs, bus, inspector, tracker.Options{}, logger, m)

	h := host.New(host.OptionsFromConfig(cfg), adapters.NewRegistry(cfg), store, outputs, trackers, logger)

	coord := stopwait.NewCoordinator(store, bus, h, outputs, stopwait.Options{
		LateStartWindow: cfg.LateStartWindow(),
		StopTimeout:     cfg.RequestTimeout(),
	}, logger, m)

	settle := cfg.BreakpointSettle()
	if settle == 0 {
		settle = -1
	}
	bps := breakpoints.NewManager(h.Breakpoints(), host.FileDocuments{}, breakpoints.Options{Settle: settle}, logger, m)

	engine := orchestrator.New(orchestrator.Deps{
		Host:         h,
		Store:        store,
		Outputs:      outputs,
		Coordinator:  coord,
		Breakpoints:  bps,
		Inspector:    inspector,
		Capabilities: trackers,
	}, orchestrator.Options{
		DefaultTimeout:       cfg.EntryStopTimeout(),
		MaxCapturedVariables: cfg.MaxCapturedVariables,
	}, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		host:     h,
		trackers: trackers,
		server:   mcp.NewServer(cfg, engine, logger, m),
	}
}

// run serves MCP on stdio until the client disconnects or ctx is done.
func (a *app) run(ctx context.Context) error {
	if a.cfg.MetricsAddr != "" {
		srv := a.metricsServer()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	defer a.close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.ServeStdio()
	}()

	a.logger.Info("dap-orchestrator serving on stdio",
		zap.String("mode", string(a.cfg.Mode)),
		zap.Int("max_sessions", a.cfg.MaxSessions))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		a.logger.Info("shutting down")
		return nil
	}
}

func (a *app) metricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics listener failed", zap.String("addr", a.cfg.MetricsAddr), zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", a.cfg.MetricsAddr))
	return srv
}

// close stops every live session.
func (a *app) close() {
	a.host.Close()
	a.trackers.Close()
}
