package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/qltr-controller/internal/config"
	"github.com/signalsfoundry/qltr-controller/internal/logging"
	"github.com/signalsfoundry/qltr-controller/internal/nbi"
	"github.com/signalsfoundry/qltr-controller/internal/observability"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a controller session on the session clock",
		Long: `Connect the configured switches, serve the session query surface and
Prometheus metrics, and print the session report when the session ends
(after --duration, or on interrupt when the duration is 0).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("duration") {
				cfg.Session.Duration = duration
			}

			log := newLogger(cfg, cmd.ErrOrStderr())
			defer func() { _ = logging.Close(log) }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runSession(ctx, cfg, log, cmd.OutOrStdout(), nil)
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "override session.duration (0 runs until interrupted)")
	return cmd
}

// runSession runs one session to completion. nbiLis overrides nbi.listen
// when non-nil.
func runSession(ctx context.Context, cfg *config.Config, log logging.Logger, out io.Writer, nbiLis net.Listener) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.TracingConfig(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	a, err := newApp(cfg, log, time.Now())
	if err != nil {
		return err
	}
	defer a.Close()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = serveMetrics(cfg.Metrics.Listen, cfg.Metrics.Path, a.metricsHandler(), log)
	}

	var server *grpc.Server
	if cfg.NBI.Enabled || nbiLis != nil {
		if nbiLis == nil {
			nbiLis, err = net.Listen("tcp", cfg.NBI.Listen)
			if err != nil {
				return fmt.Errorf("listen for gRPC on %s: %w", cfg.NBI.Listen, err)
			}
		}
		svc := nbi.NewSessionService(a.ctrl, a.clock.Elapsed, log)
		server = nbi.NewServer(log, a.nbiMetrics, svc)

		log.Info(ctx, "starting session gRPC server", logging.String("addr", nbiLis.Addr().String()))
		go func(lis net.Listener) {
			if err := server.Serve(lis); err != nil {
				log.Error(ctx, "gRPC server exited", logging.Err(err))
			}
		}(nbiLis)
	}

	handles, err := cfg.SwitchHandles()
	if err != nil {
		stopServers(server, metricsSrv)
		return err
	}
	if err := a.connect(ctx, handles); err != nil {
		stopServers(server, metricsSrv)
		return err
	}
	a.startMonitor()

	log.Info(ctx, "session started",
		logging.String("mode", cfg.ClockMode().String()),
		logging.String("duration", cfg.Session.Duration.String()),
	)
	<-a.clock.Start(ctx, cfg.Session.Duration)
	log.Info(context.Background(), "session ended", logging.String("elapsed", a.clock.Elapsed().String()))

	stopServers(server, metricsSrv)
	return a.ctrl.PrintResults(out, a.clock.Elapsed())
}

func stopServers(server *grpc.Server, metricsSrv *http.Server) {
	if server != nil {
		server.GracefulStop()
	}
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
	}
}
