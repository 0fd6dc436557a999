// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/holologin/internal/auth"
	"github.com/holomush/holologin/internal/auth/postgres"
	"github.com/holomush/holologin/internal/auth/sqlite"
	"github.com/holomush/holologin/internal/config"
	"github.com/holomush/holologin/internal/logging"
	"github.com/holomush/holologin/internal/login"
	"github.com/holomush/holologin/internal/observability"
	"github.com/holomush/holologin/internal/store"
	"github.com/holomush/holologin/internal/telnet"
	"github.com/holomush/holologin/pkg/errutil"
)

const shutdownTimeout = 10 * time.Second

// ServeDeps contains injectable dependencies for the serve command.
// Nil fields use their default implementations.
type ServeDeps struct {
	// OpenRepository opens the account repository and returns its closer.
	// Default: openRepository
	OpenRepository func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (auth.AccountRepository, func(), error)

	// Started is called once every listener is bound. Optional.
	Started func(telnetAddr string)
}

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the login gate",
		Long: `Open the account store, start the login gate and accept telnet
connections until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cfg, cmd, nil)
		},
	}

	config.RegisterFlags(cmd.Flags())
	return cmd
}

// runServeWithDeps runs the login gate until a signal arrives, ctx is
// cancelled or a listener fails.
func runServeWithDeps(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.OpenRepository == nil {
		deps.OpenRepository = openRepository
	}
	if ctx == nil {
		ctx = context.Background()
	}

	logger := logging.Setup("holologin", version, cfg.Server.LogFormat, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	logger.Info("starting login gate",
		"telnet_addr", cfg.Server.TelnetAddr,
		"store_driver", cfg.Store.Driver,
		"hash_algorithm", cfg.Hash.Algorithm,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool
	var obsServer *observability.Server
	registry := prometheus.NewRegistry()
	var connMetrics *observability.Metrics
	if cfg.Server.MetricsAddr != "" {
		obsServer = observability.NewServer(cfg.Server.MetricsAddr, ready.Load, logger)
		registry = obsServer.Registry()
		connMetrics = obsServer.Metrics()
	}

	repo, closeRepo, err := deps.OpenRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	credentials, err := auth.NewCredentialStore(repo, auth.CredentialStoreConfig{
		QueueSize: cfg.Store.WriteQueueSize,
		RetryBase: cfg.Store.RetryBase,
		RetryMax:  cfg.Store.RetryMax,
		Logger:    logger.With("component", "credential_store"),
		Metrics:   auth.NewStoreMetrics(registry),
	})
	if err != nil {
		return oops.Code("SERVE_INIT_FAILED").Wrap(err)
	}
	credentials.Start(context.Background())
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		if err := credentials.Stop(stopCtx); err != nil {
			errutil.LogError(logger, "credential writes abandoned at shutdown", err)
		}
	}()

	alg, err := auth.ParseAlgorithm(cfg.Hash.Algorithm)
	if err != nil {
		return err
	}
	hasher, err := auth.NewHasher(alg)
	if err != nil {
		return err
	}

	var cache *login.Cache
	if cfg.Cache.Enabled {
		cache = login.NewCache(login.CacheConfig{
			TTL:                cfg.Cache.TTL,
			SweepInterval:      cfg.Cache.SweepInterval,
			RequireSameAddress: cfg.Cache.RequireSameAddress,
		})
	}

	telnetServer := telnet.NewServer(telnet.ServerConfig{
		Addr:    cfg.Server.TelnetAddr,
		Logger:  logger.With("component", "telnet"),
		Metrics: connMetrics,
	})

	gateway, err := login.NewGateway(login.GatewayConfig{
		Store:            credentials,
		Hasher:           hasher,
		Cache:            cache,
		Disconnector:     telnetServer,
		Notifier:         telnetServer,
		Logger:           logger.With("component", "login"),
		Metrics:          login.NewMetrics(registry),
		GracePeriod:      cfg.Login.GracePeriod,
		TickInterval:     cfg.Login.TickInterval,
		ReminderInterval: cfg.Login.ReminderInterval,
		Failures: auth.FailurePolicy{
			MaxFailures:      cfg.Login.MaxFailures,
			ProgressiveDelay: cfg.Login.ProgressiveDelay,
		},
		DisableRegistration: !cfg.Login.RegistrationEnabled,
		MinPasswordLength:   cfg.Login.MinPasswordLength,
		MaxPasswordLength:   cfg.Login.MaxPasswordLength,
	})
	if err != nil {
		return oops.Code("SERVE_INIT_FAILED").Wrap(err)
	}
	gateway.Start(ctx)
	defer gateway.Stop()

	if obsServer != nil {
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return oops.Code("SERVE_INIT_FAILED").With("operation", "start observability server").Wrap(err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if err := obsServer.Stop(stopCtx); err != nil {
				logger.Warn("error stopping observability server", "error", err)
			}
		}()
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability", logger)
	}

	telnetDone := make(chan error, 1)
	telnetStopped := make(chan struct{})
	go func() {
		defer close(telnetStopped)
		telnetDone <- telnetServer.Run(ctx, gateway)
	}()
	// Connections close before the gateway and store stop.
	defer func() {
		cancel()
		<-telnetStopped
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	addr, err := waitForAddr(ctx, telnetServer, telnetDone)
	if err != nil {
		return err
	}
	ready.Store(true)
	cmd.Println("Login gate started")
	logger.Info("login gate ready", "telnet_addr", addr)
	if deps.Started != nil {
		deps.Started(addr)
	}

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-telnetDone:
		if err != nil {
			return oops.Code("TELNET_FAILED").Wrap(err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	ready.Store(false)
	cancel()
	if err := <-telnetDone; err != nil {
		logger.Warn("telnet server stopped with error", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// waitForAddr waits until the telnet listener is bound.
func waitForAddr(ctx context.Context, srv *telnet.Server, done <-chan error) (string, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if addr := srv.Addr(); addr != "" {
			return addr, nil
		}
		select {
		case err := <-done:
			if err == nil {
				err = oops.Errorf("telnet server exited before listening")
			}
			return "", oops.Code("TELNET_FAILED").Wrap(err)
		case <-ctx.Done():
			return "", oops.Code("SERVE_CANCELLED").Wrap(ctx.Err())
		case <-ticker.C:
		}
	}
}

// openRepository opens the configured account repository. The PostgreSQL
// schema is migrated before the pool is opened.
func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (auth.AccountRepository, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		m, err := store.NewMigrator(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, err //nolint:wrapcheck // already coded by store
		}
		upErr := m.Up()
		if closeErr := m.Close(); closeErr != nil {
			logger.Warn("error closing migrator", "error", closeErr)
		}
		if upErr != nil {
			return nil, nil, upErr //nolint:wrapcheck // already coded by store
		}

		pool, err := store.OpenPool(ctx, cfg.Store.DatabaseURL, store.PoolConfig{})
		if err != nil {
			return nil, nil, err //nolint:wrapcheck // already coded by store
		}
		logger.Info("connected to database")
		return postgres.NewAccountRepository(pool), pool.Close, nil

	default:
		repo, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err //nolint:wrapcheck // already coded by sqlite
		}
		logger.Info("opened account file", "path", cfg.Store.SQLitePath)
		return repo, func() {
			if err := repo.Close(); err != nil {
				logger.Warn("error closing account file", "error", err)
			}
		}, nil
	}
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string, logger *slog.Logger) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			logger.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
