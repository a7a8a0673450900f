package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/roomrelay/internal/metrics"
	"github.com/Tyrowin/roomrelay/internal/relay"
	"github.com/Tyrowin/roomrelay/internal/server"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "RoomRelay terminated with error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the configuration, hub and HTTP server and blocks until a signal
// or a listener failure, then shuts down the HTTP server before the hub.
func run() error {
	// A missing .env file is not an error
	_ = godotenv.Load()

	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}

	log := logs.GetLoggerFromString(cfg.LogLevel)
	log.Info("Starting RoomRelay server...", "addr", cfg.Port, "origins", cfg.Origins())

	m := metrics.New()
	hub := relay.NewHub(log, relay.WithMetrics(m))
	go hub.Run()

	srv := server.New(cfg, log, hub, m)
	httpServer := server.CreateServer(cfg.Port, srv.Routes())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.StartServer(log, httpServer)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal, initiating graceful shutdown...")
	case runErr = <-serverErr:
		if runErr != nil {
			log.Error("Server error", "error", runErr)
		}
	}

	shutdownErr := server.ShutdownServer(log, httpServer, cfg.ShutdownTimeout)
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Warn("Hub shutdown error", "error", err)
		shutdownErr = errors.Join(shutdownErr, err)
	}

	if runErr != nil {
		return runErr
	}
	if shutdownErr != nil {
		return fmt.Errorf("graceful shutdown: %w", shutdownErr)
	}

	log.Info("Server shutdown complete")
	return nil
}
