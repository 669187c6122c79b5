package main

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

	"mkv-relay/internal/platform/config"
	"mkv-relay/internal/platform/logger"
	"mkv-relay/internal/platform/metrics"
	"mkv-relay/internal/relay"

	flag "github.com/spf13/pflag"
)

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file to load before reading the environment")
	addr := flag.String("addr", "", "relay listen address (overrides RELAY_ADDR)")
	adminAddr := flag.String("admin-addr", "", "admin listen address (overrides ADMIN_ADDR); empty shares the relay port")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	logFormat := flag.String("log-format", "", "log format: json or text (overrides LOG_FORMAT)")
	flag.Parse()

	_ = config.Load(*envFile)
	cfg := config.FromEnv()
	if *addr != "" {
		cfg.RelayAddr = *addr
	}
	if flag.CommandLine.Changed("admin-addr") {
		cfg.AdminAddr = *adminAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg config.Config, log *slog.Logger) error {
	opts := relay.OptionsFromConfig(cfg)
	met := metrics.New()
	met.StartReport(log, cfg.MetricsReportInterval)

	reg := relay.NewRegistry(opts, log, met)
	srv := relay.NewServer(relay.NewHandler(reg, opts, log, met), reg, log)
	admin := &http.Server{
		Handler:           relay.NewAdminHandler(reg, opts, log, met).Router(),
		ReadHeaderTimeout: opts.RequestTimeout,
	}

	ln, err := net.Listen("tcp", cfg.RelayAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.RelayAddr, err)
	}

	errCh := make(chan error, 3)
	var shared *relay.SharedListener
	if cfg.AdminAddr == "" {
		shared = relay.Share(ln, opts.RequestTimeout)
		go func() { errCh <- serveRelay(srv, shared.Relay) }()
		go func() { errCh <- serveAdmin(admin, shared.Admin) }()
		go func() {
			if err := shared.Serve(); err != nil && !relay.IsListenerClosed(err) {
				errCh <- err
			}
		}()
	} else {
		adminLn, err := net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("listening on %s: %w", cfg.AdminAddr, err)
		}
		go func() { errCh <- serveRelay(srv, ln) }()
		go func() { errCh <- serveAdmin(admin, adminLn) }()
	}

	log.Info("server starting",
		"relay_addr", cfg.RelayAddr,
		"admin_addr", cfg.AdminAddr,
		"read_timeout", cfg.ReadTimeout,
		"log_level", cfg.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		log.Info("shutdown signal received, closing publishing points")
	case runErr = <-errCh:
		log.Error("listener failed, shutting down", "error", runErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("relay shutdown error", "error", err)
	}
	if err := admin.Shutdown(ctx); err != nil {
		log.Error("admin shutdown error", "error", err)
	}
	if shared != nil {
		shared.Close()
	}
	return runErr
}

// serveRelay returns nil once the server is shut down.
func serveRelay(srv *relay.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, relay.ErrServerClosed) {
		return err
	}
	return nil
}

func serveAdmin(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !relay.IsListenerClosed(err) {
		return err
	}
	return nil
}
