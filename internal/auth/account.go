// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/samber/oops"
)

// Name validation constraints.
const (
	MinNameLength = 3
	MaxNameLength = 16
)

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Account is the durable credential record of one canonical identity.
type Account struct {
	Name           string // canonical (lower-case) key
	DisplayName    string // last-seen case-preserving form
	CredentialHash string
	Algorithm      Algorithm
	LastAddress    string
	LastLoginAt    time.Time
	RegisteredAt   time.Time
}

// Canonical returns the case-insensitive key for a name.
func Canonical(name string) string {
	return strings.ToLower(name)
}

// ValidateName validates an identity name.
// Names are MinNameLength to MaxNameLength characters of letters, digits
// and underscores.
func ValidateName(name string) error {
	if name == "" {
		return oops.Code("AUTH_INVALID_NAME").Errorf("name cannot be empty")
	}
	if len(name) < MinNameLength || len(name) > MaxNameLength {
		return oops.Code("AUTH_INVALID_NAME").
			With("min", MinNameLength).
			With("max", MaxNameLength).
			Errorf("name must be %d-%d characters", MinNameLength, MaxNameLength)
	}
	if !nameRegex.MatchString(name) {
		return oops.Code("AUTH_INVALID_NAME").
			Errorf("name may contain only letters, numbers, and underscores")
	}
	return nil
}

// NewAccount creates a validated Account for a first registration.
func NewAccount(displayName, credentialHash, address string, now time.Time) (*Account, error) {
	if err := ValidateName(displayName); err != nil {
		return nil, err
	}
	if credentialHash == "" {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("credential hash cannot be empty")
	}
	return &Account{
		Name:           Canonical(displayName),
		DisplayName:    displayName,
		CredentialHash: credentialHash,
		Algorithm:      AlgorithmOf(credentialHash),
		LastAddress:    address,
		LastLoginAt:    now,
		RegisteredAt:   now,
	}, nil
}

// Clone returns a copy safe to hand across goroutines.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// SetCredential replaces the credential hash and its algorithm tag.
func (a *Account) SetCredential(hash string) {
	a.CredentialHash = hash
	a.Algorithm = AlgorithmOf(hash)
}

// AccountRepository is the durable backend behind the CredentialStore.
// Implementations key rows uniquely by canonical name.
type AccountRepository interface {
	// Get retrieves an account by canonical name.
	// Returns ErrNotFound if no account exists.
	Get(ctx context.Context, name string) (*Account, error)

	// Create inserts a new account.
	// Returns ErrAccountExists if the canonical name is taken.
	Create(ctx context.Context, account *Account) error

	// Upsert inserts or replaces the account keyed by canonical name.
	Upsert(ctx context.Context, account *Account) error

	// TouchLogin records the address and time of a successful login.
	TouchLogin(ctx context.Context, name, address string, at time.Time) error

	// Delete removes an account. Deleting a missing account is not an error.
	Delete(ctx context.Context, name string) error
}
