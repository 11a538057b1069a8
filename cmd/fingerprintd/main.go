package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shortontech/fingerprintd/internal/event"
	"github.com/shortontech/fingerprintd/internal/feature"
	httpx "github.com/shortontech/fingerprintd/internal/http"
	"github.com/shortontech/fingerprintd/internal/metrics"
	"github.com/shortontech/fingerprintd/internal/resolve"
	"github.com/shortontech/fingerprintd/internal/sink"
	"github.com/shortontech/fingerprintd/internal/store"
	"github.com/shortontech/fingerprintd/pkg/config"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "probe /healthz of the local instance and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if *healthcheck {
		host, port := healthcheckTarget(cfg.ServerAddr)
		if err := performHealthCheck(host, port); err != nil {
			fmt.Fprintf(os.Stderr, "healthcheck: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("fingerprintd exited with error", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(reg)

	metricsServer, err := metrics.NewServer(cfg.Metrics, reg, logger)
	if err != nil {
		return err
	}
	if err := metricsServer.Start(ctx); err != nil {
		return err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}
	logger.Info("identity store ready", zap.String("driver", st.Name()))

	sinks := initializeSinks(ctx, cfg, appMetrics, logger)

	tables := feature.DefaultTables()
	tables.MatchThreshold = cfg.MatchThreshold

	deps := resolve.Deps{
		Tables:  tables,
		Store:   st,
		Emit:    createEmitFunc(sinks, appMetrics, logger),
		Metrics: appMetrics,
		Logger:  logger,
	}
	svc := resolve.NewService(deps)

	if cfg.TestMode {
		if err := runTestMode(ctx, testModeService(deps), logger); err != nil {
			logger.Error("test mode failed", zap.Error(err))
		}
	}

	env := httpx.Env{
		Cfg:      cfg,
		Resolver: svc,
		Store:    st,
		Metrics:  appMetrics,
		HMACAuth: initializeHMACAuth(cfg, logger),
		Logger:   logger,
	}
	srv, serveErr := startHTTPServer(cfg, env, logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	return waitForShutdown(stop, serveErr, srv, metricsServer, sinks, st, logger)
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		return store.OpenSQLite(ctx, cfg.SQLitePath, cfg.Table)
	case config.DriverPostgres:
		return store.OpenPostgres(ctx, cfg.PGDSN, cfg.Table)
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// initializeSinks starts every configured audit sink. A sink that fails to
// start is logged and left out.
func initializeSinks(ctx context.Context, cfg config.Config, m *metrics.Metrics, logger *zap.Logger) []sink.Sink {
	var sinks []sink.Sink
	for _, output := range cfg.Outputs {
		var s sink.Sink
		switch output {
		case "log":
			s = sink.NewLogSink(cfg.LogPath, logger)
		case "kafka":
			s = sink.NewKafkaSink(cfg.Kafka, m, logger)
		default:
			logger.Warn("unknown output, skipping", zap.String("output", output))
			continue
		}
		if err := s.Start(ctx); err != nil {
			logger.Error("failed to start sink", zap.String("sink", s.Name()), zap.Error(err))
			continue
		}
		logger.Info("sink started", zap.String("sink", s.Name()))
		sinks = append(sinks, s)
	}
	return sinks
}

func initializeHMACAuth(cfg config.Config, logger *zap.Logger) *httpx.HMACAuth {
	if cfg.HMACSecret == "" && !cfg.HMACRequire {
		return nil
	}
	logger.Info("HMAC payload verification configured", zap.Bool("required", cfg.HMACRequire))
	return httpx.NewHMACAuth(cfg.HMACSecret, cfg.HMACPublicKey, cfg.HMACRequire, logger)
}

// createEmitFunc fans an event out to every sink. Sink failures are counted
// and logged but never reach the caller.
func createEmitFunc(sinks []sink.Sink, m *metrics.Metrics, logger *zap.Logger) func(event.Event) {
	return func(e event.Event) {
		for _, s := range sinks {
			if err := s.Enqueue(e); err != nil {
				m.IncrementSinkErrors(s.Name(), "enqueue")
				logger.Warn("failed to enqueue event",
					zap.String("sink", s.Name()),
					zap.String("event_id", e.EventID),
					zap.Error(err),
				)
				continue
			}
			m.IncrementEventsEmitted(s.Name())
		}
	}
}

func startHTTPServer(cfg config.Config, env httpx.Env, logger *zap.Logger) (*http.Server, <-chan error) {
	srv := httpx.NewServer(cfg.ServerAddr, httpx.NewMux(env))
	errs := make(chan error, 1)
	go func() {
		logger.Info("fingerprintd listening", zap.String("addr", cfg.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()
	return srv, errs
}

// waitForShutdown blocks until a signal arrives or the server fails, then
// drains the HTTP server, the metrics server, the sinks and the store.
func waitForShutdown(stop <-chan os.Signal, serveErr <-chan error, srv *http.Server, metricsServer *metrics.Server,
	sinks []sink.Sink, st store.Store, logger *zap.Logger) error {
	var runErr error
	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err, ok := <-serveErr:
		if ok && err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("metrics server shutdown", zap.Error(err))
	}
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			logger.Error("sink close", zap.String("sink", s.Name()), zap.Error(err))
		}
	}
	if err := st.Close(); err != nil {
		logger.Error("identity store close", zap.Error(err))
	}
	return runErr
}

// healthcheckTarget maps a listen address such as ":5001" to a dialable host.
func healthcheckTarget(addr string) (string, string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1", "5001"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return host, port
}

func performHealthCheck(host, port string) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + net.JoinHostPort(host, port) + "/healthz")
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return fmt.Errorf("read health response: %w", err)
	}
	if strings.TrimSpace(string(body)) != "ok" {
		return fmt.Errorf("unexpected health response %q", body)
	}
	return nil
}
