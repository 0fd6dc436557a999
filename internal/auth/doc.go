// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package auth provides the credential primitives behind the login gate.
//
// # Domain Types
//
// Account is the durable record of one canonical identity. Create it with
// NewAccount, which validates the name and derives the canonical key.
// Canonical names are case-insensitive; DisplayName keeps the last-seen form.
//
// # Hashing
//
// Hasher hashes new credentials with the configured algorithm (argon2id or
// bcrypt) and verifies any supported format by its algorithm tag, including
// the legacy salted SHA-256 format. NeedsUpgrade reports hashes that should be
// replaced after the next successful login.
//
// # Persistence
//
// CredentialStore fronts an AccountRepository (see the postgres and sqlite
// subpackages). Reads are served from a synchronously maintained shadow;
// writes are queued and persisted by one sequential worker with retry.
package auth
