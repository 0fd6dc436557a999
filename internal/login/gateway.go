// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package login

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/holologin/internal/auth"
)

var tracer = otel.Tracer("holologin/login")

// Default password bounds.
const (
	DefaultMinPasswordLength = 4
	DefaultMaxPasswordLength = 72
)

// CredentialStore is the account persistence the Gateway depends on.
// *auth.CredentialStore implements it.
type CredentialStore interface {
	Load(ctx context.Context, name string) (*auth.Account, error)
	Register(ctx context.Context, account *auth.Account) error
	Save(account *auth.Account) error
	TouchLogin(name, address string, at time.Time) error
	Delete(name string) error
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	// Store and Hasher are required.
	Store  CredentialStore
	Hasher auth.PasswordHasher

	// Cache enables trusted re-entry. Nil disables it.
	Cache *Cache

	// Disconnector closes connections. Optional.
	Disconnector Disconnector

	// Notifier renders countdown reminders. Optional.
	Notifier Notifier

	// Logger defaults to a discard logger.
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *Metrics

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time

	// GracePeriod is how long a connection may stay unauthenticated.
	// Defaults to DefaultGracePeriod.
	GracePeriod time.Duration

	// TickInterval is how often the queue sweeps.
	TickInterval time.Duration

	// ReminderInterval is how often pending connections get a countdown.
	ReminderInterval time.Duration

	// Failures limits wrong credentials per connection.
	Failures auth.FailurePolicy

	// DisableRegistration rejects unknown identities with ErrNotRegistered.
	DisableRegistration bool

	// MinPasswordLength and MaxPasswordLength bound new passwords in bytes.
	MinPasswordLength int
	MaxPasswordLength int
}

// Gateway is the facade the connection collaborator drives: Begin on
// connect, Submit per credential message, End on disconnect.
type Gateway struct {
	store    CredentialStore
	hasher   auth.PasswordHasher
	cache    *Cache
	table    *Table
	queue    *Queue
	locks    keyLocks
	disc     Disconnector
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
	grace    time.Duration
	failures auth.FailurePolicy
	register bool
	minPass  int
	maxPass  int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type kick struct {
	name   string
	connID ulid.ULID
	reason Reason
}

// NewGateway creates a Gateway. Call Start to run the queue and cache
// sweepers.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Store == nil {
		return nil, oops.Errorf("credential store is required")
	}
	if cfg.Hasher == nil {
		return nil, oops.Errorf("password hasher is required")
	}
	if cfg.Disconnector == nil {
		cfg.Disconnector = nopDisconnector{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.MinPasswordLength <= 0 {
		cfg.MinPasswordLength = DefaultMinPasswordLength
	}
	if cfg.MaxPasswordLength <= 0 {
		cfg.MaxPasswordLength = DefaultMaxPasswordLength
	}
	if cfg.MinPasswordLength > cfg.MaxPasswordLength {
		return nil, oops.With("min", cfg.MinPasswordLength).
			With("max", cfg.MaxPasswordLength).
			Errorf("minimum password length exceeds maximum")
	}

	return &Gateway{
		store:  cfg.Store,
		hasher: cfg.Hasher,
		cache:  cfg.Cache,
		table:  NewTable(),
		queue: NewQueue(QueueConfig{
			TickInterval:     cfg.TickInterval,
			ReminderInterval: cfg.ReminderInterval,
			Notifier:         cfg.Notifier,
			Now:              cfg.Now,
		}),
		disc:     cfg.Disconnector,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		grace:    cfg.GracePeriod,
		failures: cfg.Failures,
		register: !cfg.DisableRegistration,
		minPass:  cfg.MinPasswordLength,
		maxPass:  cfg.MaxPasswordLength,
		cancel:   func() {},
	}, nil
}

// Start runs the login queue and, if caching is enabled, the cache sweeper.
func (g *Gateway) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.queue.Run(ctx, g)
	}()

	if g.cache != nil {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.cache.Run(ctx)
		}()
	}
}

// Stop stops the background goroutines and waits for them.
func (g *Gateway) Stop() {
	g.cancel()
	g.wg.Wait()
}

// Queue returns the login queue.
func (g *Gateway) Queue() *Queue {
	return g.queue
}

// Table returns the login state table.
func (g *Gateway) Table() *Table {
	return g.table
}

// Begin starts a login session for name on connection connID. It returns
// StateAuthenticated when the cache trusts name from address, otherwise
// StateAuthenticating with the identity queued for the grace period.
//
// A pending session for name on another connection is superseded and that
// connection disconnected. An authenticated one makes Begin fail with
// ErrAlreadyOnline.
func (g *Gateway) Begin(ctx context.Context, name, address string, connID ulid.ULID) (state State, err error) {
	ctx, span := tracer.Start(ctx, "login.begin",
		trace.WithAttributes(
			attribute.String("login.name", auth.Canonical(name)),
			attribute.String("conn.id", connID.String()),
		),
	)
	defer func() {
		span.SetAttributes(attribute.String("login.state", state.String()))
		endSpan(span, err)
	}()

	if err := auth.ValidateName(name); err != nil {
		return StateUnknown, err
	}
	state, k, err := g.begin(ctx, auth.Canonical(name), name, address, connID)
	g.disconnect(k)
	return state, err
}

func (g *Gateway) begin(ctx context.Context, key, displayName, address string, connID ulid.ULID) (State, *kick, error) {
	unlock := g.locks.lock(key)
	defer unlock()

	var k *kick
	if cur := g.table.get(key); cur != nil {
		switch {
		case cur.connID == connID:
			return cur.state, nil, nil
		case cur.state == StateAuthenticated:
			return StateUnknown, nil, oops.Code("AUTH_ALREADY_ONLINE").
				With("name", key).
				Wrap(ErrAlreadyOnline)
		}
		k = g.closeSession(cur, ReasonSuperseded)
		g.logger.InfoContext(ctx, "pending login superseded by new connection",
			"name", key,
			"old_conn_id", cur.connID.String(),
			"conn_id", connID.String(),
		)
	}

	now := g.now()
	s := &session{
		name:        key,
		displayName: displayName,
		connID:      connID,
		address:     address,
		joinedAt:    now,
	}

	if g.cache != nil {
		if _, ok := g.cache.Lookup(key, address); ok {
			s.state = StateAuthenticated
			g.table.put(s)
			g.cache.Put(key, address, 0)
			if err := g.store.TouchLogin(key, address, now); err != nil {
				g.logger.WarnContext(ctx, "failed to queue login record", "name", key, "error", err)
			}
			g.metrics.cacheHit()
			g.metrics.login("cached")
			g.logger.InfoContext(ctx, "session restored from cache", "name", key, "address", address)
			return StateAuthenticated, k, nil
		}
	}

	s.state = StateAuthenticating
	g.table.put(s)
	g.queue.Add(key, connID, now.Add(g.grace))
	g.metrics.pending(g.queue.Len())
	return StateAuthenticating, k, nil
}

type submitResult struct {
	outcome Outcome
	err     error
	kick    *kick
	delay   time.Duration
}

// Submit checks plaintext for the pending session of name on connID. An
// unknown identity is registered with it; a known one is verified. Wrong
// credentials keep the session pending unless the failure limit is
// reached, in which case the connection is disconnected.
func (g *Gateway) Submit(ctx context.Context, name string, connID ulid.ULID, plaintext string) (Outcome, error) {
	key := auth.Canonical(name)
	ctx, span := tracer.Start(ctx, "login.submit",
		trace.WithAttributes(
			attribute.String("login.name", key),
			attribute.String("conn.id", connID.String()),
		),
	)
	res := g.submit(ctx, key, connID, plaintext)
	span.SetAttributes(attribute.String("login.outcome", res.outcome.String()))
	endSpan(span, res.err)

	g.disconnect(res.kick)
	if res.delay > 0 {
		wait(ctx, res.delay)
	}
	return res.outcome, res.err
}

func (g *Gateway) submit(ctx context.Context, key string, connID ulid.ULID, plaintext string) submitResult {
	unlock := g.locks.lock(key)
	defer unlock()

	s := g.table.lookup(key, connID)
	if s == nil {
		return submitResult{err: notConnected(key, connID)}
	}
	if s.state == StateAuthenticated {
		return submitResult{err: oops.Code("AUTH_ALREADY_AUTHENTICATED").
			With("name", key).
			Wrap(ErrAlreadyAuthenticated)}
	}
	if plaintext == "" {
		return submitResult{err: auth.ErrEmptyPassword}
	}

	acct, err := g.store.Load(ctx, key)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		return g.registerLocked(ctx, s, plaintext)
	case err != nil:
		g.metrics.login("error")
		g.logger.WarnContext(ctx, "credential store unavailable, refusing login", "name", key, "error", err)
		return submitResult{err: err}
	}
	return g.verifyLocked(ctx, s, acct, plaintext)
}

func (g *Gateway) registerLocked(ctx context.Context, s *session, plaintext string) submitResult {
	if !g.register {
		g.metrics.login("not_registered")
		return submitResult{err: oops.Code("AUTH_NOT_REGISTERED").
			With("name", s.name).
			Wrap(ErrNotRegistered)}
	}
	if err := g.checkPassword(plaintext); err != nil {
		return submitResult{err: err}
	}

	hash, err := g.hasher.Hash(plaintext)
	if err != nil {
		return submitResult{err: oops.With("name", s.name).Wrap(err)}
	}
	now := g.now()
	acct, err := auth.NewAccount(s.displayName, hash, s.address, now)
	if err != nil {
		return submitResult{err: err}
	}

	if err := g.store.Register(ctx, acct); err != nil {
		if errors.Is(err, auth.ErrAccountExists) {
			// Lost the reservation: the account now exists, so this is a login.
			existing, lerr := g.store.Load(ctx, s.name)
			if lerr != nil {
				return submitResult{err: lerr}
			}
			return g.verifyLocked(ctx, s, existing, plaintext)
		}
		g.metrics.login("error")
		g.logger.WarnContext(ctx, "registration rejected by credential store", "name", s.name, "error", err)
		return submitResult{err: err}
	}

	g.authenticateLocked(s, true)
	g.metrics.login("registered")
	g.logger.InfoContext(ctx, "account registered", "name", s.name, "address", s.address)
	return submitResult{outcome: OutcomeRegistered}
}

func (g *Gateway) verifyLocked(ctx context.Context, s *session, acct *auth.Account, plaintext string) submitResult {
	ok, err := g.hasher.Verify(plaintext, acct.CredentialHash)
	if err != nil {
		g.metrics.login("error")
		g.logger.ErrorContext(ctx, "stored credential hash is unreadable",
			"name", s.name,
			"algorithm", string(auth.AlgorithmOf(acct.CredentialHash)),
			"error", err,
		)
		return submitResult{err: oops.With("name", s.name).Wrap(err)}
	}
	if !ok {
		return g.failLocked(ctx, s)
	}

	now := g.now()
	updated := acct.Clone()
	updated.LastAddress = s.address
	updated.LastLoginAt = now
	persist := func() error { return g.store.TouchLogin(s.name, s.address, now) }
	if updated.DisplayName != s.displayName {
		updated.DisplayName = s.displayName
		persist = func() error { return g.store.Save(updated) }
	}
	if g.hasher.NeedsUpgrade(acct.CredentialHash) {
		if hash, herr := g.hasher.Hash(plaintext); herr != nil {
			g.logger.WarnContext(ctx, "credential rehash failed", "name", s.name, "error", herr)
		} else {
			updated.SetCredential(hash)
			persist = func() error { return g.store.Save(updated) }
			g.logger.InfoContext(ctx, "credential upgraded",
				"name", s.name,
				"from", string(acct.Algorithm),
				"to", string(updated.Algorithm),
			)
		}
	}
	if err := persist(); err != nil {
		g.logger.WarnContext(ctx, "failed to queue login record", "name", s.name, "error", err)
	}

	g.authenticateLocked(s, false)
	g.metrics.login("logged_in")
	g.logger.InfoContext(ctx, "login succeeded", "name", s.name, "address", s.address)
	return submitResult{outcome: OutcomeLoggedIn}
}

func (g *Gateway) failLocked(ctx context.Context, s *session) submitResult {
	updated := *s
	updated.failures++
	g.table.put(&updated)
	g.metrics.login("wrong_credential")

	verdict := g.failures.Check(updated.failures)
	if verdict.Disconnect {
		k := g.closeSession(&updated, ReasonTooManyFailures)
		g.logger.WarnContext(ctx, "login failure limit reached",
			"name", s.name,
			"address", s.address,
			"failures", updated.failures,
		)
		return submitResult{
			err: oops.Code("AUTH_TOO_MANY_FAILURES").
				With("name", s.name).
				With("failures", updated.failures).
				Wrap(ErrTooManyFailures),
			kick: k,
		}
	}

	g.logger.InfoContext(ctx, "wrong credential", "name", s.name, "address", s.address, "failures", updated.failures)
	return submitResult{
		err: oops.Code("AUTH_WRONG_CREDENTIAL").
			With("name", s.name).
			With("failures", updated.failures).
			With("remaining", verdict.Remaining).
			Wrap(ErrWrongCredential),
		delay: verdict.Delay,
	}
}

func (g *Gateway) authenticateLocked(s *session, isNew bool) {
	updated := *s
	updated.state = StateAuthenticated
	updated.isNewRegistration = isNew

	g.queue.Remove(s.name, s.connID)
	g.table.put(&updated)
	g.metrics.pending(g.queue.Len())
	if g.cache != nil {
		g.cache.Put(s.name, s.address, 0)
	}
}

// End removes the session of name if it belongs to connID. Trusted
// re-entry is kept. It reports whether a session was removed.
func (g *Gateway) End(name string, connID ulid.ULID) bool {
	key := auth.Canonical(name)
	unlock := g.locks.lock(key)
	defer unlock()

	if g.table.lookup(key, connID) == nil {
		return false
	}
	g.queue.Remove(key, connID)
	g.table.remove(key, connID)
	g.metrics.pending(g.queue.Len())
	return true
}

// Evict implements Evictor. It removes the pending session only if the
// queue entry still matches connID and deadline.
func (g *Gateway) Evict(name string, connID ulid.ULID, deadline time.Time) bool {
	evicted := func() bool {
		unlock := g.locks.lock(name)
		defer unlock()

		s := g.table.lookup(name, connID)
		if s == nil || s.state != StateAuthenticating {
			return false
		}
		if !g.queue.removeIf(name, connID, deadline) {
			return false
		}
		g.table.remove(name, connID)
		g.metrics.pending(g.queue.Len())
		g.metrics.evicted(ReasonTimeout)
		g.logger.Info("login timed out",
			"name", name,
			"conn_id", connID.String(),
			"failures", s.failures,
		)
		return true
	}()
	if evicted {
		g.disconnect(&kick{name: name, connID: connID, reason: ReasonTimeout})
	}
	return evicted
}

// IsAuthenticated reports whether name has an authenticated session.
func (g *Gateway) IsAuthenticated(name string) bool {
	return g.table.State(auth.Canonical(name)) == StateAuthenticated
}

// Status returns the session of name with its remaining grace time.
func (g *Gateway) Status(name string) (Status, bool) {
	key := auth.Canonical(name)
	st, ok := g.table.Status(key)
	if !ok {
		return Status{}, false
	}
	if st.State == StateAuthenticating {
		if deadline, queued := g.queue.Deadline(key); queued {
			st.Remaining = max(deadline.Sub(g.now()), 0)
		}
	}
	return st, true
}

// Sessions returns the status of every session ordered by name.
func (g *Gateway) Sessions() []Status {
	return g.table.Snapshot()
}

// Registered reports whether name has an account. It reads through to the
// repository when the name is not yet known.
func (g *Gateway) Registered(ctx context.Context, name string) (bool, error) {
	_, err := g.store.Load(ctx, auth.Canonical(name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, auth.ErrNotFound):
		return false, nil
	}
	return false, err
}

// ChangePassword replaces the credential of an authenticated session after
// checking the current one. Trusted re-entry for name is revoked.
func (g *Gateway) ChangePassword(ctx context.Context, name string, connID ulid.ULID, current, next string) error {
	key := auth.Canonical(name)
	unlock := g.locks.lock(key)
	defer unlock()

	s := g.table.lookup(key, connID)
	if s == nil {
		return notConnected(key, connID)
	}
	if s.state != StateAuthenticated {
		return oops.Code("AUTH_NOT_AUTHENTICATED").With("name", key).Wrap(ErrNotAuthenticated)
	}

	acct, err := g.store.Load(ctx, key)
	if err != nil {
		return err
	}
	ok, err := g.hasher.Verify(current, acct.CredentialHash)
	if err != nil {
		return oops.With("name", key).Wrap(err)
	}
	if !ok {
		return oops.Code("AUTH_WRONG_CREDENTIAL").With("name", key).Wrap(ErrWrongCredential)
	}
	if err := g.setCredentialLocked(acct, next); err != nil {
		return err
	}
	g.logger.InfoContext(ctx, "password changed", "name", key)
	return nil
}

// Logout ends the session of name on connID, revokes trusted re-entry and
// disconnects the connection.
func (g *Gateway) Logout(name string, connID ulid.ULID) error {
	key := auth.Canonical(name)
	k, err := func() (*kick, error) {
		unlock := g.locks.lock(key)
		defer unlock()

		s := g.table.lookup(key, connID)
		if s == nil {
			return nil, notConnected(key, connID)
		}
		if g.cache != nil {
			g.cache.Invalidate(key)
		}
		return g.closeSession(s, ReasonLogout), nil
	}()
	g.disconnect(k)
	return err
}

// ResetCredential sets a new password for name. Any open session and
// trusted re-entry for name are revoked.
func (g *Gateway) ResetCredential(ctx context.Context, name, password string) error {
	key := auth.Canonical(name)
	k, err := func() (*kick, error) {
		unlock := g.locks.lock(key)
		defer unlock()

		acct, err := g.loadRegistered(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := g.setCredentialLocked(acct, password); err != nil {
			return nil, err
		}
		return g.closeSession(g.table.get(key), ReasonAdmin), nil
	}()
	g.disconnect(k)
	if err == nil {
		g.logger.InfoContext(ctx, "credential reset by administrator", "name", key)
	}
	return err
}

// Unregister deletes the account of name. Any open session and trusted
// re-entry for name are revoked.
func (g *Gateway) Unregister(ctx context.Context, name string) error {
	key := auth.Canonical(name)
	k, err := func() (*kick, error) {
		unlock := g.locks.lock(key)
		defer unlock()

		if _, err := g.loadRegistered(ctx, key); err != nil {
			return nil, err
		}
		if err := g.store.Delete(key); err != nil {
			return nil, err
		}
		if g.cache != nil {
			g.cache.Invalidate(key)
		}
		return g.closeSession(g.table.get(key), ReasonAdmin), nil
	}()
	g.disconnect(k)
	if err == nil {
		g.logger.InfoContext(ctx, "account unregistered by administrator", "name", key)
	}
	return err
}

// Invalidate revokes trusted re-entry for name and closes its open
// session, if any. It reports whether a session was closed.
func (g *Gateway) Invalidate(name string) bool {
	key := auth.Canonical(name)
	k := func() *kick {
		unlock := g.locks.lock(key)
		defer unlock()

		if g.cache != nil {
			g.cache.Invalidate(key)
		}
		return g.closeSession(g.table.get(key), ReasonAdmin)
	}()
	g.disconnect(k)
	return k != nil
}

func (g *Gateway) loadRegistered(ctx context.Context, key string) (*auth.Account, error) {
	acct, err := g.store.Load(ctx, key)
	if errors.Is(err, auth.ErrNotFound) {
		return nil, oops.Code("AUTH_NOT_REGISTERED").With("name", key).Wrap(ErrNotRegistered)
	}
	return acct, err
}

func (g *Gateway) setCredentialLocked(acct *auth.Account, password string) error {
	if err := g.checkPassword(password); err != nil {
		return err
	}
	hash, err := g.hasher.Hash(password)
	if err != nil {
		return oops.With("name", acct.Name).Wrap(err)
	}
	updated := acct.Clone()
	updated.SetCredential(hash)
	if err := g.store.Save(updated); err != nil {
		return err
	}
	if g.cache != nil {
		g.cache.Invalidate(acct.Name)
	}
	return nil
}

// closeSession removes s from the table and queue and returns the
// disconnect to run once the identity lock is released.
func (g *Gateway) closeSession(s *session, reason Reason) *kick {
	if s == nil {
		return nil
	}
	g.queue.Remove(s.name, s.connID)
	g.table.remove(s.name, s.connID)
	g.metrics.pending(g.queue.Len())
	g.metrics.evicted(reason)
	return &kick{name: s.name, connID: s.connID, reason: reason}
}

func (g *Gateway) checkPassword(password string) error {
	if password == "" {
		return auth.ErrEmptyPassword
	}
	if n := len(password); n < g.minPass || n > g.maxPass {
		return oops.Code("AUTH_INVALID_PASSWORD").
			With("min", g.minPass).
			With("max", g.maxPass).
			Wrap(ErrInvalidPassword)
	}
	return nil
}

func (g *Gateway) disconnect(k *kick) {
	if k != nil {
		g.disc.Disconnect(k.name, k.connID, k.reason)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func notConnected(key string, connID ulid.ULID) error {
	return oops.Code("AUTH_NOT_CONNECTED").
		With("name", key).
		With("conn_id", connID.String()).
		Wrap(ErrNotConnected)
}

func wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
