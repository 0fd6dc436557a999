// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/holologin/internal/auth"
	"github.com/holomush/holologin/internal/config"
	"github.com/holomush/holologin/internal/logging"
	"github.com/holomush/holologin/internal/login"
	"github.com/holomush/holologin/pkg/errutil"
)

// AccountDeps contains injectable dependencies for the account commands.
// Nil fields use their default implementations.
type AccountDeps struct {
	// OpenRepository opens the account repository and returns its closer.
	// Default: openRepository
	OpenRepository func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (auth.AccountRepository, func(), error)
}

// NewAccountCmd creates the account subcommand group.
func NewAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Administer accounts in the store",
		Long: `Reset or remove accounts directly in the configured store.

Run these while serve is stopped. A running gate keeps the accounts it has
already read in memory and does not see changes made here.`,
	}

	cmd.AddCommand(newAccountResetCmd(nil))
	cmd.AddCommand(newAccountUnregisterCmd(nil))
	return cmd
}

func newAccountResetCmd(deps *AccountDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <name>",
		Short: "Set a new password for an account",
		Long: `Read a new password from stdin and store it for the named account.
On a terminal the password is read without echo.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			in, err := passwordInput(cmd)
			if err != nil {
				return err
			}
			password, err := readPasswordLine(in)
			if err != nil {
				return err
			}
			err = withAccountGateway(cmd.Context(), cfg, cmd, deps, func(ctx context.Context, gw *login.Gateway) error {
				return gw.ResetCredential(ctx, args[0], password)
			})
			if err != nil {
				return err
			}
			cmd.Printf("Password reset for %s\n", auth.Canonical(args[0]))
			return nil
		},
	}

	config.RegisterFlags(cmd.Flags())
	return cmd
}

func newAccountUnregisterCmd(deps *AccountDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unregister <name>",
		Short: "Delete an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			err = withAccountGateway(cmd.Context(), cfg, cmd, deps, func(ctx context.Context, gw *login.Gateway) error {
				return gw.Unregister(ctx, args[0])
			})
			if err != nil {
				return err
			}
			cmd.Printf("Account %s removed\n", auth.Canonical(args[0]))
			return nil
		},
	}

	config.RegisterFlags(cmd.Flags())
	return cmd
}

// withAccountGateway opens the configured store, runs fn against a gateway
// over it and waits for every queued write to persist.
func withAccountGateway(ctx context.Context, cfg *config.Config, cmd *cobra.Command, deps *AccountDeps, fn func(context.Context, *login.Gateway) error) error {
	if deps == nil {
		deps = &AccountDeps{}
	}
	if deps.OpenRepository == nil {
		deps.OpenRepository = openRepository
	}
	if ctx == nil {
		ctx = context.Background()
	}

	logger := logging.Setup("holologin", version, cfg.Server.LogFormat, cmd.ErrOrStderr())

	repo, closeRepo, err := deps.OpenRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	credentials, err := auth.NewCredentialStore(repo, auth.CredentialStoreConfig{
		RetryBase: cfg.Store.RetryBase,
		RetryMax:  cfg.Store.RetryMax,
		Logger:    logger.With("component", "credential_store"),
	})
	if err != nil {
		return oops.Code("ACCOUNT_INIT_FAILED").Wrap(err)
	}
	credentials.Start(ctx)

	alg, err := auth.ParseAlgorithm(cfg.Hash.Algorithm)
	if err != nil {
		return err
	}
	hasher, err := auth.NewHasher(alg)
	if err != nil {
		return err
	}

	gateway, err := login.NewGateway(login.GatewayConfig{
		Store:             credentials,
		Hasher:            hasher,
		Logger:            logger.With("component", "login"),
		MinPasswordLength: cfg.Login.MinPasswordLength,
		MaxPasswordLength: cfg.Login.MaxPasswordLength,
	})
	if err != nil {
		return oops.Code("ACCOUNT_INIT_FAILED").Wrap(err)
	}

	runErr := fn(ctx, gateway)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := credentials.Stop(stopCtx); err != nil {
		errutil.LogError(logger, "account change not persisted", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
