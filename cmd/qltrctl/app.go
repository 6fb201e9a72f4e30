package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/qltr-controller/internal/config"
	"github.com/signalsfoundry/qltr-controller/internal/controller"
	"github.com/signalsfoundry/qltr-controller/internal/logging"
	"github.com/signalsfoundry/qltr-controller/internal/observability"
	"github.com/signalsfoundry/qltr-controller/internal/ofp"
	"github.com/signalsfoundry/qltr-controller/internal/routing"
	"github.com/signalsfoundry/qltr-controller/internal/sbi/runtime"
	"github.com/signalsfoundry/qltr-controller/timectrl"
)

// app is one controller session: the clock, the southbound runtime and the
// decision core, sharing a private Prometheus registry.
type app struct {
	cfg *config.Config
	log logging.Logger

	registry    *prometheus.Registry
	ctrlMetrics *observability.ControllerCollector
	nbiMetrics  *observability.NBICollector

	clock *timectrl.TimeController
	rt    *runtime.SBIRuntime
	ctrl  *controller.Controller
}

func newApp(cfg *config.Config, log logging.Logger, start time.Time) (*app, error) {
	registry := prometheus.NewRegistry()
	ctrlMetrics, err := observability.NewControllerCollector(registry)
	if err != nil {
		return nil, fmt.Errorf("controller metrics: %w", err)
	}
	nbiMetrics, err := observability.NewNBICollector(registry)
	if err != nil {
		return nil, fmt.Errorf("nbi metrics: %w", err)
	}

	cc, err := cfg.Controller()
	if err != nil {
		return nil, err
	}

	clock := timectrl.NewTimeController(start, cfg.Session.Tick, cfg.ClockMode())
	rt, err := runtime.NewSBIRuntime(clock, ctrlMetrics.SetSwitches, log)
	if err != nil {
		return nil, err
	}

	ctrl, err := controller.New(cc, rt.Fabric,
		controller.WithLogger(log),
		controller.WithMetrics(ctrlMetrics),
		controller.WithRandomSource(routing.NewRandomSource(cfg.Routing.RandomStream)),
	)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	return &app{
		cfg:         cfg,
		log:         log,
		registry:    registry,
		ctrlMetrics: ctrlMetrics,
		nbiMetrics:  nbiMetrics,
		clock:       clock,
		rt:          rt,
		ctrl:        ctrl,
	}, nil
}

// connect registers and handshakes every switch in handles.
func (a *app) connect(ctx context.Context, handles []ofp.SwitchHandle) error {
	if _, err := a.rt.ConnectSwitches(ctx, a.ctrl, handles...); err != nil {
		return err
	}
	a.log.Info(ctx, "switches connected", logging.Int("count", len(handles)))
	return nil
}

// startMonitor polls flow stats into the session report from the clock's
// current time on.
func (a *app) startMonitor() {
	a.rt.StartMonitor(a.ctrl.Session(), a.cfg.Monitor(), a.ctrlMetrics)
}

func (a *app) Close() {
	if err := a.rt.Close(); err != nil {
		a.log.Warn(context.Background(), "sbi runtime close failed", logging.Err(err))
	}
	a.ctrl.Close()
}

func (a *app) metricsHandler() http.Handler {
	return observability.HandlerFor(a.registry)
}

func serveMetrics(addr, path string, handler http.Handler, log logging.Logger) *http.Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr), logging.String("path", path))
	return srv
}
