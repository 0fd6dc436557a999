// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package postgres implements auth repositories on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/holomush/holologin/internal/auth"
)

// poolIface is the subset of *pgxpool.Pool used by the repository.
// pgxmock.PgxPoolIface satisfies it in unit tests.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AccountRepository implements auth.AccountRepository using PostgreSQL.
type AccountRepository struct {
	pool poolIface
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(pool poolIface) *AccountRepository {
	return &AccountRepository{pool: pool}
}

// Get retrieves an account by canonical name.
func (r *AccountRepository) Get(ctx context.Context, name string) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT name, display_name, credential_hash, hash_algorithm,
		       last_address, last_login_at, registered_at
		FROM accounts
		WHERE name = $1
	`, name)

	var (
		acct      auth.Account
		algorithm string
	)
	err := row.Scan(
		&acct.Name,
		&acct.DisplayName,
		&acct.CredentialHash,
		&algorithm,
		&acct.LastAddress,
		&acct.LastLoginAt,
		&acct.RegisteredAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("name", name).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_FAILED").
			With("operation", "get account").
			With("name", name).
			Wrap(err)
	}
	acct.Algorithm = auth.Algorithm(algorithm)
	return &acct, nil
}

// Create inserts a new account.
func (r *AccountRepository) Create(ctx context.Context, account *auth.Account) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (
			name, display_name, credential_hash, hash_algorithm,
			last_address, last_login_at, registered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		account.Name,
		account.DisplayName,
		account.CredentialHash,
		string(account.Algorithm),
		account.LastAddress,
		account.LastLoginAt,
		account.RegisteredAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.Code("ACCOUNT_EXISTS").
				With("name", account.Name).
				Wrap(auth.ErrAccountExists)
		}
		return oops.Code("ACCOUNT_CREATE_FAILED").
			With("operation", "insert account").
			With("name", account.Name).
			Wrap(err)
	}
	return nil
}

// Upsert inserts or replaces the account keyed by canonical name.
// registered_at is preserved for existing rows.
func (r *AccountRepository) Upsert(ctx context.Context, account *auth.Account) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (
			name, display_name, credential_hash, hash_algorithm,
			last_address, last_login_at, registered_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			credential_hash = EXCLUDED.credential_hash,
			hash_algorithm = EXCLUDED.hash_algorithm,
			last_address = EXCLUDED.last_address,
			last_login_at = EXCLUDED.last_login_at
	`,
		account.Name,
		account.DisplayName,
		account.CredentialHash,
		string(account.Algorithm),
		account.LastAddress,
		account.LastLoginAt,
		account.RegisteredAt,
	)
	if err != nil {
		return oops.Code("ACCOUNT_UPSERT_FAILED").
			With("operation", "upsert account").
			With("name", account.Name).
			Wrap(err)
	}
	return nil
}

// TouchLogin records the address and time of a successful login.
func (r *AccountRepository) TouchLogin(ctx context.Context, name, address string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts SET last_address = $2, last_login_at = $3
		WHERE name = $1
	`, name, address, at)
	if err != nil {
		return oops.Code("ACCOUNT_TOUCH_FAILED").
			With("operation", "touch login").
			With("name", name).
			Wrap(err)
	}
	return nil
}

// Delete removes an account.
func (r *AccountRepository) Delete(ctx context.Context, name string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM accounts WHERE name = $1`, name)
	if err != nil {
		return oops.Code("ACCOUNT_DELETE_FAILED").
			With("operation", "delete account").
			With("name", name).
			Wrap(err)
	}
	return nil
}

var _ auth.AccountRepository = (*AccountRepository)(nil)
