// pushd is the push hub: it accepts realtime client sockets on /ws and
// relays service desk events, raised in Postgres with pg_notify, to the
// clients subscribed to them.
//
// Usage: pushd --config configs/pushd.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/helpdesk-realtime/internal/config"
	"github.com/rickgao/helpdesk-realtime/internal/database"
	"github.com/rickgao/helpdesk-realtime/internal/hub"
	"github.com/rickgao/helpdesk-realtime/internal/version"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/pushd.yaml", "path to config file")
	listenAddr := pflag.String("listen", "", "override hub.listen_addr")
	showVersion := pflag.Bool("version", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println("pushd", version.String())
		return
	}

	// Load configuration
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Hub.ListenAddr = *listenAddr
	}
	if err := cfg.ValidateServer(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Logging.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("starting pushd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database
	logger.Info("connecting to database",
		"host", cfg.Database.Postgres.Host,
		"port", cfg.Database.Postgres.Port,
		"database", cfg.Database.Postgres.Name,
	)

	pool, err := database.Connect(ctx, cfg.Database.Postgres, "pushd")
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger.Info("database connected")

	h := hub.New(cfg.Hub.HubOptions(), logger.With("component", "hub"))

	// The server side retries forever on the client's schedule.
	backoff := cfg.Realtime.ManagerConfig().Backoff
	backoff.MaxAttempts = 0
	listener := database.NewListener(pool, cfg.Hub.NotifyChannel, h,
		logger.With("component", "listener"),
		database.WithBackoff(backoff),
	)

	server := &http.Server{
		Addr:              cfg.Hub.ListenAddr,
		Handler:           newMux(h, pool, listener),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "addr", cfg.Hub.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return listener.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", "error", err)
		}
		if err := h.Shutdown(shutdownCtx); err != nil && !errors.Is(err, hub.ErrClosed) {
			logger.Warn("hub shutdown", "error", err)
		}
		return nil
	})

	logger.Info("pushd running",
		"ws_url", fmt.Sprintf("ws://localhost%s/ws", cfg.Hub.ListenAddr),
		"notify_channel", cfg.Hub.NotifyChannel,
	)

	if err := g.Wait(); err != nil {
		logger.Error("pushd stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("pushd stopped")
}
