// Package main provides the ida-proxy-mcp entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	idaproxy "github.com/wagiedev/ida-proxy-mcp"
	"github.com/wagiedev/ida-proxy-mcp/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	defaults := config.Default()

	configPath := flag.String("config", "", "Path to a JSON or YAML config file")
	host := flag.String("host", defaults.Host, "Host to listen on")
	port := flag.Int("port", defaults.Port, "Port to listen on")
	maxProcesses := flag.Int("max-processes", defaults.MaxProcesses, "Maximum concurrent backend processes")
	basePort := flag.Int("base-port", defaults.BasePort, "First port handed to backend processes")
	transport := flag.String("transport", defaults.Transport, "MCP transport: http or stdio")
	metricsInterval := flag.Duration("metrics-interval", 0, "Write pool metrics to stderr at this interval (0 disables)")
	watchConfig := flag.Bool("watch-config", false, "Shut down when the config file changes so a supervisor can restart")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(config.Name, config.Version)

		return 0
	}

	// Logs go to stderr; stdout carries MCP in stdio mode.
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := defaults
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Error("Failed to load config", "path", *configPath, "error", err)

			return 1
		}

		cfg = loaded
	}

	// Flags given explicitly win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "max-processes":
			cfg.MaxProcesses = *maxProcesses
		case "base-port":
			cfg.BasePort = *basePort
		case "transport":
			cfg.Transport = *transport
		case "metrics-interval":
			cfg.MetricsInterval = config.Duration(*metricsInterval)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handleSignals(log, cancel)

	if *watchConfig && *configPath != "" {
		w, err := config.NewWatcher(log, *configPath, func() {
			log.Warn("Config file changed, shutting down for restart", "path", *configPath)
			cancel()
		})
		if err != nil {
			log.Warn("Failed to create config watcher", "error", err)
		} else if err := w.Start(ctx); err != nil {
			log.Warn("Failed to start config watcher", "error", err)
		} else {
			defer func() { _ = w.Stop() }()
		}
	}

	opts := []idaproxy.Option{idaproxy.WithLogger(log), idaproxy.WithConfig(cfg)}

	if interval := cfg.MetricsInterval.Std(); interval > 0 {
		provider, err := newMeterProvider(os.Stderr, interval)
		if err != nil {
			log.Error("Failed to set up metrics", "error", err)

			return 1
		}

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := provider.Shutdown(shutdownCtx); err != nil {
				log.Warn("Failed to flush metrics", "error", err)
			}
		}()

		opts = append(opts, idaproxy.WithMeterProvider(provider))
	}

	p, err := idaproxy.New(opts...)
	if err != nil {
		log.Error("Failed to create proxy", "error", err)

		return 1
	}

	log.Info("Starting proxy",
		"version", config.Version,
		"transport", cfg.Transport,
		"addr", cfg.Addr(),
		"max_processes", cfg.MaxProcesses,
		"base_port", cfg.BasePort,
	)

	if err := p.Run(ctx); err != nil {
		log.Error("Proxy stopped with error", "error", err)

		return 1
	}

	log.Info("Proxy stopped")

	return 0
}

// handleSignals cancels on the first SIGINT or SIGTERM and exits on the
// second.
func handleSignals(log *slog.Logger, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("Shutting down", "signal", sig.String())
		cancel()

		<-sigCh
		log.Warn("Second signal received, exiting immediately")
		os.Exit(130)
	}()
}
