// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import "errors"

// ErrNotFound is returned when a requested account does not exist.
var ErrNotFound = errors.New("not found")

// Credential store errors. Call sites wrap these with an oops code; match
// them with errors.Is.
var (
	// ErrAccountExists is returned when a registration races an existing account.
	ErrAccountExists = errors.New("account already exists")

	// ErrStoreUnavailable is returned when the durable store cannot answer a
	// read that must be consistent.
	ErrStoreUnavailable = errors.New("credential store unavailable")

	// ErrWriteQueueFull is returned when the asynchronous write queue rejects
	// a mutation.
	ErrWriteQueueFull = errors.New("credential write queue is full")

	// ErrStoreClosed is returned for mutations submitted after Stop.
	ErrStoreClosed = errors.New("credential store is closed")
)
