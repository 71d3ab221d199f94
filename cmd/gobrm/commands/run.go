package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gobrm/internal/config"
	brmetrics "github.com/dantte-lp/gobrm/internal/metrics"
	"github.com/dantte-lp/gobrm/internal/netdata"
	"github.com/dantte-lp/gobrm/internal/netio"
	"github.com/dantte-lp/gobrm/internal/routing"
	"github.com/dantte-lp/gobrm/internal/storage"
	appversion "github.com/dantte-lp/gobrm/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP
// server to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// runCmd starts the daemon (same as running gobrm with no subcommand).
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the border routing daemon",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runDaemon(configPath)
	},
}

// runDaemon is the daemon entry point: load config, wire the Routing
// Manager to its collaborators, and run until SIGINT/SIGTERM.
func runDaemon(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel)

	logger.Info("gobrm starting",
		slog.String("version", appversion.Version),
		slog.String("infra_interface", cfg.Infra.Interface),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := brmetrics.NewCollector(reg)

	registry := netdata.NewRegistry(logger)
	store := storage.NewFile(cfg.Storage.Path)

	mgr := routing.NewRoutingManager(registry, store, logger,
		routing.WithMetrics(collector),
		routing.WithNat64(cfg.Routing.Nat64),
		routing.WithAllowDefaultRoute(cfg.Routing.AllowDefaultRoute),
	)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	conn, err := netio.Dial(ctx, cfg.Infra.Interface, logger)
	if err != nil {
		return fmt.Errorf("open infrastructure interface: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := mgr.Init(conn); err != nil {
		return fmt.Errorf("init routing manager: %w", err)
	}
	if !cfg.Routing.Enabled {
		if err := mgr.SetEnabled(false); err != nil {
			return fmt.Errorf("disable routing manager: %w", err)
		}
	}

	// The standalone daemon has no Thread stack driving attachment; it
	// operates as an always-attached Border Router. An embedding host
	// calls HandleThreadRoleChanged from its own notifier instead.
	mgr.HandleThreadRoleChanged(true)

	return runLoops(ctx, cfg, mgr, conn, registry, reg, logger)
}

// runLoops starts the receive, monitor, notification, and metrics
// goroutines and blocks until shutdown completes.
func runLoops(
	ctx context.Context,
	cfg *config.Config,
	mgr *routing.RoutingManager,
	conn *netio.ICMP6Conn,
	registry *netdata.Registry,
	reg *prometheus.Registry,
	logger *slog.Logger,
) error {
	g, gCtx := errgroup.WithContext(ctx)

	// Inbound RS/RA messages.
	g.Go(func() error {
		return conn.Receive(gCtx, mgr)
	})

	// Infrastructure link state.
	mon := netio.NewPollingInterfaceMonitor(int(conn.Index()), logger)
	g.Go(func() error {
		return mon.Run(gCtx)
	})
	g.Go(func() error {
		for range mon.Events() {
			mgr.HandleInfraIfStateChanged()
		}
		return nil
	})

	// Network Data change notifications.
	g.Go(func() error {
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-registry.Changes():
				mgr.HandleNetworkDataChanged()
			}
		}
	})

	// Metrics endpoint.
	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation, retracts our
	// presence on the link, and drains the HTTP server.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(mgr, metricsSrv, logger)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}

	logger.Info("gobrm stopped")
	return nil
}

// gracefulShutdown disables the Routing Manager (emitting the final
// retraction RA) and shuts the metrics server down.
func gracefulShutdown(
	mgr *routing.RoutingManager,
	metricsSrv *http.Server,
	logger *slog.Logger,
) error {
	notifyStopping(logger)

	if err := mgr.SetEnabled(false); err != nil &&
		!errors.Is(err, routing.ErrNotInitialized) {
		logger.Warn("failed to disable routing manager",
			slog.String("error", err.Error()),
		)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// newMetricsServer builds the Prometheus metrics HTTP server.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// listenAndServe serves srv on addr until ctx is cancelled. Shutdown is
// handled by the shutdown goroutine; http.ErrServerClosed is the normal
// exit.
func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return nil
}

// newLogger builds the daemon logger from the log configuration.
func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// notifyReady signals service readiness to systemd (no-op outside a
// systemd unit).
func notifyReady(logger *slog.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug("sd_notify ready failed", slog.String("error", err.Error()))
	}
}

// notifyStopping signals shutdown to systemd.
func notifyStopping(logger *slog.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		logger.Debug("sd_notify stopping failed", slog.String("error", err.Error()))
	}
}
