package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixgeelhaar/mathdrill/internal/config"
	"github.com/felixgeelhaar/mathdrill/internal/daemon"
)

func main() {
	if err := run(); err != nil {
		slog.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	writeConfig := flag.String("write-config", "", "write the effective configuration to `path` and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if *writeConfig != "" {
		if err := config.WriteFile(*writeConfig, cfg); err != nil {
			return err
		}
		slog.Info("configuration written", "path", *writeConfig)
		return nil
	}

	// Setup logging
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	ctx := context.Background()
	server, err := daemon.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := serve(server, sigCh, shutdownTimeout); err != nil {
		return err
	}
	slog.Info("daemon stopped")
	return nil
}

const shutdownTimeout = 30 * time.Second

// lifecycle is the part of daemon.Server that serve drives.
type lifecycle interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// serve runs server until a signal arrives or Start fails. Either way the
// server is shut down within timeout before serve returns.
func serve(server lifecycle, signals <-chan os.Signal, timeout time.Duration) error {
	startErr := make(chan error, 1)
	go func() { startErr <- server.Start() }()

	select {
	case err := <-startErr:
		if shutErr := shutdown(server, timeout); shutErr != nil {
			slog.Error("shutdown error", "error", shutErr)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case sig := <-signals:
		slog.Info("received signal, shutting down", "signal", sig.String())
		if err := shutdown(server, timeout); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		if err := <-startErr; !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

func shutdown(server lifecycle, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return server.Shutdown(ctx)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
