// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package login

import "errors"

// Gateway errors. Returned errors carry an oops code; match with errors.Is.
var (
	// ErrAlreadyAuthenticated is returned by Submit once the session is
	// authenticated. It is informational.
	ErrAlreadyAuthenticated = errors.New("already authenticated")

	// ErrNotRegistered is returned when no account exists and registration
	// is disabled.
	ErrNotRegistered = errors.New("not registered")

	// ErrWrongCredential is returned for a password that does not verify.
	ErrWrongCredential = errors.New("wrong credential")

	// ErrTimeoutEvicted is the reason a pending session was removed by the
	// login queue.
	ErrTimeoutEvicted = errors.New("login timed out")

	// ErrTooManyFailures is returned when the configured failure limit is
	// reached. The connection is disconnected.
	ErrTooManyFailures = errors.New("too many failed login attempts")

	// ErrNotConnected is returned when the connection has no login session.
	ErrNotConnected = errors.New("not connected")

	// ErrNotAuthenticated is returned by operations that need an
	// authenticated session.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrAlreadyOnline is returned by Begin when the identity is
	// authenticated on another connection.
	ErrAlreadyOnline = errors.New("already online")

	// ErrInvalidPassword is returned for a new password outside the
	// configured length bounds.
	ErrInvalidPassword = errors.New("invalid password")
)
