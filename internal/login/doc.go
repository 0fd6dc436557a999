// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package login is the authentication state engine that gates a connection
// before it may act in the shared session.
//
// The Gateway is the entry point for the connection collaborator. It owns a
// Table of per-identity login sessions, a Queue that evicts identities which
// stay unauthenticated past the grace period, and an optional Cache that
// lets an identity re-enter from the same address without a prompt.
// Account durability is delegated to an auth.CredentialStore.
//
// All operations on one identity are serialized by a sharded mutex keyed by
// canonical name. Operations on different identities run in parallel.
package login
