// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package telnet

import (
	"errors"
	"fmt"

	"github.com/samber/oops"

	"github.com/holomush/holologin/internal/auth"
	"github.com/holomush/holologin/internal/login"
)

// describe returns the message shown to the user for err and whether err
// is an expected outcome of user input. An empty message means the
// disconnect notice covers it.
func describe(err error) (string, bool) {
	switch {
	case errors.Is(err, login.ErrWrongCredential):
		if n, ok := contextInt(err, "remaining"); ok && n > 0 {
			return fmt.Sprintf("Wrong password. %d %s left.", n, plural(n, "attempt", "attempts")), true
		}
		return "Wrong password.", true
	case errors.Is(err, login.ErrTooManyFailures):
		return "", true
	case errors.Is(err, login.ErrNotRegistered):
		return "Registration is closed. Ask an administrator for an account.", true
	case errors.Is(err, login.ErrAlreadyOnline):
		return "That name is already logged in from another connection.", true
	case errors.Is(err, login.ErrAlreadyAuthenticated):
		return "You are already logged in.", true
	case errors.Is(err, login.ErrNotConnected):
		return "Your login session has ended.", true
	case errors.Is(err, login.ErrNotAuthenticated):
		return "You must log in first.", true
	case errors.Is(err, login.ErrInvalidPassword):
		lo, okLo := contextInt(err, "min")
		hi, okHi := contextInt(err, "max")
		if okLo && okHi {
			return fmt.Sprintf("Passwords must be %d to %d characters long.", lo, hi), true
		}
		return "That password is not allowed.", true
	case errors.Is(err, auth.ErrStoreUnavailable):
		return "Logins are temporarily unavailable. Please try again later.", false
	case errors.Is(err, auth.ErrWriteQueueFull), errors.Is(err, auth.ErrStoreClosed):
		return "The server is busy. Please try again.", false
	}

	switch code(err) {
	case "AUTH_INVALID_NAME":
		return "Names are 3 to 16 letters, digits or underscores.", true
	case "AUTH_EMPTY_PASSWORD":
		return "Password cannot be empty.", true
	}
	return "Something went wrong. Please try again.", false
}

// kickMessage is the last line sent before the gateway closes a connection.
func kickMessage(reason login.Reason) string {
	switch reason {
	case login.ReasonTimeout:
		return "You took too long to log in. Goodbye."
	case login.ReasonTooManyFailures:
		return "Too many failed login attempts. Goodbye."
	case login.ReasonSuperseded:
		return "Another connection is logging in with your name. Goodbye."
	case login.ReasonLogout:
		return "You have been logged out. Goodbye."
	case login.ReasonAdmin:
		return "Your session was closed by an administrator."
	default:
		return "Goodbye!"
	}
}

func code(err error) any {
	if oopsErr, ok := oops.AsOops(err); ok {
		return oopsErr.Code()
	}
	return nil
}

func contextInt(err error, key string) (int, bool) {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return 0, false
	}
	n, ok := oopsErr.Context()[key].(int)
	return n, ok
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
