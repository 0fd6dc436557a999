// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package login

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/holomush/holologin/internal/auth"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type disconnectCall struct {
	Name   string
	ConnID ulid.ULID
	Reason Reason
}

type recordingDisconnector struct {
	mu    sync.Mutex
	calls []disconnectCall
}

func (r *recordingDisconnector) Disconnect(name string, connID ulid.ULID, reason Reason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, disconnectCall{Name: name, ConnID: connID, Reason: reason})
}

func (r *recordingDisconnector) Calls() []disconnectCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]disconnectCall(nil), r.calls...)
}

type countdownCall struct {
	Name      string
	ConnID    ulid.ULID
	Remaining time.Duration
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []countdownCall
}

func (r *recordingNotifier) Countdown(name string, connID ulid.ULID, remaining time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, countdownCall{Name: name, ConnID: connID, Remaining: remaining})
}

func (r *recordingNotifier) Calls() []countdownCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]countdownCall(nil), r.calls...)
}

// memRepo is an in-memory auth.AccountRepository.
type memRepo struct {
	mu       sync.Mutex
	accounts map[string]*auth.Account
	failGet  bool
}

func newMemRepo() *memRepo {
	return &memRepo{accounts: make(map[string]*auth.Account)}
}

func (r *memRepo) Get(_ context.Context, name string) (*auth.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failGet {
		return nil, errors.New("connection refused")
	}
	a, ok := r.accounts[name]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return a.Clone(), nil
}

func (r *memRepo) Create(_ context.Context, a *auth.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[a.Name]; ok {
		return auth.ErrAccountExists
	}
	r.accounts[a.Name] = a.Clone()
	return nil
}

func (r *memRepo) Upsert(_ context.Context, a *auth.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[a.Name] = a.Clone()
	return nil
}

func (r *memRepo) TouchLogin(_ context.Context, name, address string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[name]; ok {
		a.LastAddress = address
		a.LastLoginAt = at
	}
	return nil
}

func (r *memRepo) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.accounts, name)
	return nil
}

func (r *memRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accounts)
}

func (r *memRepo) Account(name string) *auth.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[name].Clone()
}

func (r *memRepo) seed(t *testing.T, h auth.PasswordHasher, name, password string) {
	t.Helper()
	hash, err := h.Hash(password)
	require.NoError(t, err)
	acct, err := auth.NewAccount(name, hash, "198.51.100.1", epoch.Add(-24*time.Hour))
	require.NoError(t, err)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[acct.Name] = acct
}

func newTestHasher(t *testing.T) *auth.Hasher {
	t.Helper()
	h, err := auth.NewHasherWith(auth.AlgorithmArgon2id,
		auth.NewArgon2idHasherWithParams(auth.Argon2Params{Time: 1, Memory: 1024, Threads: 1, SaltLen: 16, KeyLen: 32}),
		auth.NewBcryptHasher(bcrypt.MinCost))
	require.NoError(t, err)
	return h
}

// legacySHA builds a hash in the legacy salted SHA-256 format.
func legacySHA(password, salt string) string {
	inner := sha256.Sum256([]byte(password))
	outer := sha256.Sum256([]byte(hex.EncodeToString(inner[:]) + salt))
	return "$SHA$" + salt + "$" + hex.EncodeToString(outer[:])
}

// harness wires a Gateway over a started CredentialStore and memRepo.
type harness struct {
	gw     *Gateway
	repo   *memRepo
	store  *auth.CredentialStore
	hasher *auth.Hasher
	cache  *Cache
	clock  *fakeClock
	disc   *recordingDisconnector
	notify *recordingNotifier
}

func newHarness(t *testing.T, mutate func(*GatewayConfig)) *harness {
	t.Helper()
	h := &harness{
		repo:   newMemRepo(),
		hasher: newTestHasher(t),
		clock:  newFakeClock(),
		disc:   &recordingDisconnector{},
		notify: &recordingNotifier{},
	}

	store, err := auth.NewCredentialStore(h.repo, auth.CredentialStoreConfig{
		RetryBase: time.Millisecond,
		RetryMax:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	store.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Stop(ctx)
	})
	h.store = store

	h.cache = NewCache(CacheConfig{TTL: 5 * time.Minute, RequireSameAddress: true, Now: h.clock.Now})

	cfg := GatewayConfig{
		Store:        store,
		Hasher:       h.hasher,
		Cache:        h.cache,
		Disconnector: h.disc,
		Notifier:     h.notify,
		Now:          h.clock.Now,
		GracePeriod:  60 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	gw, err := NewGateway(cfg)
	require.NoError(t, err)
	h.gw = gw
	return h
}

// checkInvariant asserts, under the identity lock, that a queue entry
// exists exactly when the session is authenticating.
func (h *harness) checkInvariant(t *testing.T, name string) {
	t.Helper()
	unlock := h.gw.locks.lock(name)
	defer unlock()

	s := h.gw.table.get(name)
	e, queued := h.gw.queue.Get(name)
	authenticating := s != nil && s.state == StateAuthenticating
	if authenticating != queued {
		t.Errorf("invariant broken for %q: session=%v queued=%v", name, s, queued)
		return
	}
	if queued && e.ConnID != s.connID {
		t.Errorf("queue entry for %q belongs to %s, session to %s", name, e.ConnID, s.connID)
	}
}
