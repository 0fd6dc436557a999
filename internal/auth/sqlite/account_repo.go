// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package sqlite implements auth repositories on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/oops"
	// Register the pure-Go SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/holomush/holologin/internal/auth"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	name            TEXT PRIMARY KEY,
	display_name    TEXT NOT NULL,
	credential_hash TEXT NOT NULL,
	hash_algorithm  TEXT NOT NULL,
	last_address    TEXT NOT NULL DEFAULT '',
	last_login_at   TEXT NOT NULL,
	registered_at   TEXT NOT NULL
)`

// AccountRepository implements auth.AccountRepository on SQLite.
type AccountRepository struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and ensures
// the accounts schema exists. Parent directories are created.
func Open(ctx context.Context, path string) (*AccountRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, oops.Code("SQLITE_OPEN_FAILED").
			With("operation", "create database directory").
			With("path", path).
			Wrap(err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, oops.Code("SQLITE_OPEN_FAILED").With("path", path).Wrap(err)
	}
	// One writer at a time; the credential store serializes writes anyway.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close() //nolint:errcheck // init error takes precedence
			return nil, oops.Code("SQLITE_OPEN_FAILED").
				With("operation", "initialize schema").
				With("path", path).
				Wrap(err)
		}
	}
	return &AccountRepository{db: db}, nil
}

// Close closes the database.
func (r *AccountRepository) Close() error {
	return r.db.Close()
}

// Get retrieves an account by canonical name.
func (r *AccountRepository) Get(ctx context.Context, name string) (*auth.Account, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, display_name, credential_hash, hash_algorithm,
		       last_address, last_login_at, registered_at
		FROM accounts WHERE name = ?`, name)

	var (
		acct                  auth.Account
		algorithm             string
		lastLogin, registered string
	)
	err := row.Scan(&acct.Name, &acct.DisplayName, &acct.CredentialHash, &algorithm,
		&acct.LastAddress, &lastLogin, &registered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("name", name).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_FAILED").
			With("operation", "get account").
			With("name", name).
			Wrap(err)
	}

	acct.Algorithm = auth.Algorithm(algorithm)
	if acct.LastLoginAt, err = time.Parse(time.RFC3339Nano, lastLogin); err != nil {
		return nil, oops.Code("ACCOUNT_CORRUPT").With("name", name).With("column", "last_login_at").Wrap(err)
	}
	if acct.RegisteredAt, err = time.Parse(time.RFC3339Nano, registered); err != nil {
		return nil, oops.Code("ACCOUNT_CORRUPT").With("name", name).With("column", "registered_at").Wrap(err)
	}
	return &acct, nil
}

// Create inserts a new account.
func (r *AccountRepository) Create(ctx context.Context, account *auth.Account) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (name, display_name, credential_hash, hash_algorithm,
		                      last_address, last_login_at, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		account.Name, account.DisplayName, account.CredentialHash, string(account.Algorithm),
		account.LastAddress, formatTime(account.LastLoginAt), formatTime(account.RegisteredAt))
	if err != nil {
		if isConstraintViolation(err) {
			return oops.Code("ACCOUNT_EXISTS").With("name", account.Name).Wrap(auth.ErrAccountExists)
		}
		return oops.Code("ACCOUNT_CREATE_FAILED").
			With("operation", "insert account").
			With("name", account.Name).
			Wrap(err)
	}
	return nil
}

// Upsert inserts or replaces the account keyed by canonical name.
func (r *AccountRepository) Upsert(ctx context.Context, account *auth.Account) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (name, display_name, credential_hash, hash_algorithm,
		                      last_address, last_login_at, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			display_name = excluded.display_name,
			credential_hash = excluded.credential_hash,
			hash_algorithm = excluded.hash_algorithm,
			last_address = excluded.last_address,
			last_login_at = excluded.last_login_at`,
		account.Name, account.DisplayName, account.CredentialHash, string(account.Algorithm),
		account.LastAddress, formatTime(account.LastLoginAt), formatTime(account.RegisteredAt))
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
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET last_address = ?, last_login_at = ? WHERE name = ?`,
		address, formatTime(at), name)
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
	if _, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE name = ?`, name); err != nil {
		return oops.Code("ACCOUNT_DELETE_FAILED").
			With("operation", "delete account").
			With("name", name).
			Wrap(err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE or PRIMARY KEY violation.
func isConstraintViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

var _ auth.AccountRepository = (*AccountRepository)(nil)
