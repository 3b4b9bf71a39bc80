package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"kernelhub/internal/action"
	"kernelhub/internal/api"
	"kernelhub/internal/bridge"
	"kernelhub/internal/config"
	"kernelhub/internal/event"
	"kernelhub/internal/kernel"
	"kernelhub/internal/logging"
	"kernelhub/internal/metrics"
	"kernelhub/internal/routing"
	"kernelhub/internal/version"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	port := flag.Int("port", 0, "listen port (overrides config)")
	ip := flag.String("ip", "", "listen address (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		os.Stdout.WriteString(version.Version + "\n")
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("kernelhub: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *ip != "" {
		cfg.Server.IP = *ip
	}

	level, ok := logging.ParseLevel(cfg.Log.Level)
	if !ok {
		level = logging.LevelInfo
	}
	logBuffer := logging.NewBuffer(logging.DefaultBufferSize)
	logger := logging.NewLogger(logBuffer, level)

	logger.Info("kernelhub starting", map[string]string{
		"version": version.Version,
		"addr":    cfg.ListenAddr(),
	})
	if security := cfg.Security(); security.Insecure() {
		logger.Warn("serving on a non-loopback address without TLS; traffic "+
			"and tokens are readable on the network", map[string]string{
			"ip": cfg.Server.IP,
		})
	}

	serverMetrics := metrics.NewServerMetrics()
	events := event.NewBus[event.KernelEvent]()

	// Kernel argv defaults are re-read at every launch so config reloads
	// apply to subsequently started kernels.
	var kernelDefaults atomic.Pointer[config.KernelConfig]
	kernelDefaults.Store(&cfg.Kernel)

	registry := kernel.NewRegistry(kernel.RegistryOptions{
		Logger:  logger,
		Metrics: serverMetrics,
		Events:  events,
		DefaultArgv: func() []string {
			return kernelDefaults.Load().Argv
		},
		LaunchTimeout:  time.Duration(cfg.Kernel.LaunchTimeoutSeconds) * time.Second,
		StopGrace:      time.Duration(cfg.Kernel.StopGraceSeconds) * time.Second,
		BroadcastQueue: cfg.Kernel.BroadcastQueue,
	})
	routes := routing.NewTable(registry, logger)
	sessions := bridge.NewSessionTracker()
	dispatcher := action.NewDispatcher(registry, routes, logger, serverMetrics, events)

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	if *configPath != "" {
		err := config.Watch(ctx, *configPath, logger, func(updated config.Config) {
			kernelDefaults.Store(&updated.Kernel)
		})
		if err != nil {
			logger.Warn("config watch unavailable", map[string]string{"error": err.Error()})
		}
	}

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.RouteOptions{
		Kernels:        registry,
		Routes:         routes,
		Actions:        dispatcher,
		Sessions:       sessions,
		Events:         events,
		Logger:         logger,
		Metrics:        serverMetrics,
		AuthToken:      cfg.Server.AuthToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := &drain{
		logger:      logger,
		stopHTTP:    server.Shutdown,
		stopKernels: registry.StopAll,
		closeEvents: events.Close,
	}

	serveErr := make(chan error, 1)
	go func() {
		if cfg.Server.CertFile != "" {
			serveErr <- server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
			return
		}
		serveErr <- server.ListenAndServe()
	}()

	logger.Info("kernelhub listening", map[string]string{
		"addr": server.Addr,
		"tls":  strconv.FormatBool(cfg.Security().TLS),
	})

	select {
	case <-ctx.Done():
		// A second signal from here on kills the process immediately.
		stopSignals()
		logger.Info("shutdown signal received", nil)
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", map[string]string{"error": err.Error()})
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := shutdown.run(stopCtx); err != nil {
		logger.Warn("shutdown finished with errors", map[string]string{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("kernelhub stopped", nil)
}
