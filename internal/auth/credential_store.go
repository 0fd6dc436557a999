// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// Default CredentialStore settings.
const (
	DefaultWriteQueueSize = 1024
	DefaultRetryBase      = 100 * time.Millisecond
	DefaultRetryMax       = 5 * time.Second
)

type writeKind int

const (
	writeCreate writeKind = iota
	writeUpsert
	writeTouch
	writeDelete
)

func (k writeKind) String() string {
	switch k {
	case writeCreate:
		return "create"
	case writeUpsert:
		return "upsert"
	case writeTouch:
		return "touch"
	case writeDelete:
		return "delete"
	}
	return "unknown"
}

type writeOp struct {
	kind    writeKind
	account *Account
	name    string
	address string
	at      time.Time
}

// StoreMetrics holds Prometheus collectors for the credential store.
type StoreMetrics struct {
	Writes     *prometheus.CounterVec
	QueueDepth prometheus.Gauge
}

// NewStoreMetrics creates and registers credential store metrics.
func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		Writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holologin_store_writes_total",
				Help: "Total number of durable account write attempts by operation and status",
			},
			[]string{"op", "status"},
		),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "holologin_store_write_queue_depth",
			Help: "Current number of queued durable account writes",
		}),
	}
	reg.MustRegister(m.Writes, m.QueueDepth)
	return m
}

func (m *StoreMetrics) write(kind writeKind, status string) {
	if m != nil {
		m.Writes.WithLabelValues(kind.String(), status).Inc()
	}
}

func (m *StoreMetrics) depth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

// CredentialStoreConfig configures a CredentialStore.
type CredentialStoreConfig struct {
	// QueueSize bounds the asynchronous write queue.
	// Defaults to DefaultWriteQueueSize if zero or negative.
	QueueSize int

	// RetryBase is the first retry delay for a failed write.
	// Defaults to DefaultRetryBase if zero.
	RetryBase time.Duration

	// RetryMax caps the retry delay.
	// Defaults to DefaultRetryMax if zero.
	RetryMax time.Duration

	// Logger receives write failures. Defaults to a discard logger.
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *StoreMetrics
}

// CredentialStore owns account durability. Reads are served from an
// in-memory shadow that is updated synchronously on every mutation;
// mutations are persisted by a single sequential worker so that durable
// I/O never runs on the caller's goroutine.
//
// A nil shadow entry masks a queued delete. It is dropped once no write for
// the name is outstanding, so the shadow never remembers absent names.
type CredentialStore struct {
	repo    AccountRepository
	logger  *slog.Logger
	metrics *StoreMetrics

	retryBase time.Duration
	retryMax  time.Duration

	mu       sync.RWMutex
	shadow   map[string]*Account
	inflight map[string]int

	sendMu sync.RWMutex
	closed bool
	queue  chan writeOp

	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCredentialStore creates a CredentialStore over repo.
// Call Start to begin persisting writes.
func NewCredentialStore(repo AccountRepository, cfg CredentialStoreConfig) (*CredentialStore, error) {
	if repo == nil {
		return nil, oops.Errorf("account repository is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultWriteQueueSize
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &CredentialStore{
		repo:      repo,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		retryBase: cfg.RetryBase,
		retryMax:  cfg.RetryMax,
		shadow:    make(map[string]*Account),
		inflight:  make(map[string]int),
		queue:     make(chan writeOp, cfg.QueueSize),
		stopCh:    make(chan struct{}),
		cancel:    func() {},
	}, nil
}

// Start launches the write worker. It must be called at most once.
func (s *CredentialStore) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops accepting writes and drains the queue. If ctx expires before
// the queue is drained, in-flight retries are abandoned and every write
// left behind is logged at error level.
func (s *CredentialStore) Stop(ctx context.Context) error {
	s.sendMu.Lock()
	already := s.closed
	s.closed = true
	s.sendMu.Unlock()
	if already {
		return nil
	}
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return oops.Code("AUTH_STORE_DRAIN_TIMEOUT").
			With("abandoned", len(s.queue)).
			Wrap(ctx.Err())
	}
}

// Pending returns the number of queued writes.
func (s *CredentialStore) Pending() int {
	return len(s.queue)
}

// Load returns the account for name. The shadow answers when it knows the
// name; otherwise the repository is read synchronously.
// Returns ErrNotFound if no account exists and ErrStoreUnavailable if the
// repository cannot be read.
func (s *CredentialStore) Load(ctx context.Context, name string) (*Account, error) {
	key := Canonical(name)

	s.mu.RLock()
	acct, known := s.shadow[key]
	s.mu.RUnlock()
	if known {
		if acct == nil {
			return nil, ErrNotFound
		}
		return acct.Clone(), nil
	}

	fetched, err := s.repo.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, oops.Code("AUTH_STORE_UNAVAILABLE").With("name", key).With("cause", err.Error()).Wrap(ErrStoreUnavailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// A concurrent mutation wins over what was just read.
	if cur, ok := s.shadow[key]; ok {
		if cur == nil {
			return nil, ErrNotFound
		}
		return cur.Clone(), nil
	}
	if fetched == nil {
		return nil, ErrNotFound
	}
	s.shadow[key] = fetched.Clone()
	return fetched, nil
}

// Register reserves the account's canonical name and queues its insert.
// Returns ErrAccountExists if the name already has an account.
func (s *CredentialStore) Register(ctx context.Context, account *Account) error {
	key := account.Name

	s.mu.RLock()
	cur, known := s.shadow[key]
	s.mu.RUnlock()
	if known && cur != nil {
		return ErrAccountExists
	}
	if !known {
		if _, err := s.Load(ctx, key); err == nil {
			return ErrAccountExists
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	s.mu.Lock()
	prev, hadPrev := s.shadow[key]
	if hadPrev && prev != nil {
		s.mu.Unlock()
		return ErrAccountExists
	}
	s.shadow[key] = account.Clone()
	s.mu.Unlock()

	if err := s.enqueue(writeOp{kind: writeCreate, account: account.Clone()}); err != nil {
		s.restore(key, prev, hadPrev)
		return err
	}
	return nil
}

// Save upserts the account in the shadow and queues its durable write.
// On a rejected write the shadow is restored.
func (s *CredentialStore) Save(account *Account) error {
	key := account.Name

	s.mu.Lock()
	prev, hadPrev := s.shadow[key]
	s.shadow[key] = account.Clone()
	s.mu.Unlock()

	if err := s.enqueue(writeOp{kind: writeUpsert, account: account.Clone()}); err != nil {
		s.restore(key, prev, hadPrev)
		return err
	}
	return nil
}

// TouchLogin records a successful login's address and time.
func (s *CredentialStore) TouchLogin(name, address string, at time.Time) error {
	key := Canonical(name)

	s.mu.Lock()
	if cur := s.shadow[key]; cur != nil {
		updated := cur.Clone()
		updated.LastAddress = address
		updated.LastLoginAt = at
		s.shadow[key] = updated
	}
	s.mu.Unlock()

	return s.enqueue(writeOp{kind: writeTouch, name: key, address: address, at: at})
}

// Delete removes an account. Only administrative callers delete accounts.
func (s *CredentialStore) Delete(name string) error {
	key := Canonical(name)

	s.mu.Lock()
	prev, hadPrev := s.shadow[key]
	s.shadow[key] = nil
	s.mu.Unlock()

	if err := s.enqueue(writeOp{kind: writeDelete, name: key}); err != nil {
		s.restore(key, prev, hadPrev)
		return err
	}
	return nil
}

// restore puts back the shadow entry a rejected write replaced.
func (s *CredentialStore) restore(key string, prev *Account, hadPrev bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hadPrev {
		s.shadow[key] = prev
	} else {
		delete(s.shadow, key)
	}
}

func (s *CredentialStore) enqueue(op writeOp) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	key := op.target()
	s.mu.Lock()
	s.inflight[key]++
	s.mu.Unlock()
	select {
	case s.queue <- op:
		s.metrics.depth(len(s.queue))
		return nil
	default:
		s.settle(op, nil)
		s.metrics.write(op.kind, "rejected")
		s.logger.Warn("credential write queue full, rejecting write",
			"op", op.kind.String(),
			"name", op.target(),
			"capacity", cap(s.queue),
		)
		return oops.Code("AUTH_WRITE_QUEUE_FULL").With("op", op.kind.String()).With("name", op.target()).Wrap(ErrWriteQueueFull)
	}
}

func (op writeOp) target() string {
	if op.account != nil {
		return op.account.Name
	}
	return op.name
}

func (s *CredentialStore) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.queue:
			s.apply(ctx, op)
		case <-s.stopCh:
			s.drain(ctx)
			return
		}
	}
}

func (s *CredentialStore) drain(ctx context.Context) {
	for {
		select {
		case op := <-s.queue:
			if ctx.Err() != nil {
				s.metrics.write(op.kind, "abandoned")
				s.logger.Error("credential write abandoned at shutdown",
					"op", op.kind.String(),
					"name", op.target(),
				)
				s.settle(op, ctx.Err())
				continue
			}
			s.apply(ctx, op)
		default:
			s.metrics.depth(0)
			return
		}
	}
}

// apply persists one write, retrying with capped exponential backoff until
// it succeeds, fails permanently, or ctx is cancelled.
func (s *CredentialStore) apply(ctx context.Context, op writeOp) {
	backoff := retry.WithCappedDuration(s.retryMax, retry.NewExponential(s.retryBase))
	attempt := 0

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := s.exec(ctx, op)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAccountExists) {
			return err
		}
		s.metrics.write(op.kind, "retry")
		s.logger.Warn("credential write failed, retrying",
			"op", op.kind.String(),
			"name", op.target(),
			"attempt", attempt,
			"error", err,
		)
		return retry.RetryableError(err)
	})

	s.metrics.depth(len(s.queue))
	s.settle(op, err)
	if err != nil {
		s.metrics.write(op.kind, "failed")
		s.logger.Error("credential write failed permanently",
			"op", op.kind.String(),
			"name", op.target(),
			"attempts", attempt,
			"error", err,
		)
		return
	}
	s.metrics.write(op.kind, "ok")
}

// settle releases op's claim on its name. A create that lost to a row
// written outside this store drops the reservation so the next Load reads
// the repository. A delete mask is dropped once nothing else is queued for
// the name.
func (s *CredentialStore) settle(op writeOp, err error) {
	key := op.target()
	s.mu.Lock()
	defer s.mu.Unlock()

	if op.kind == writeCreate && errors.Is(err, ErrAccountExists) {
		delete(s.shadow, key)
	}
	if s.inflight[key]--; s.inflight[key] > 0 {
		return
	}
	delete(s.inflight, key)
	if cur, ok := s.shadow[key]; ok && cur == nil {
		delete(s.shadow, key)
	}
}

func (s *CredentialStore) exec(ctx context.Context, op writeOp) error {
	switch op.kind {
	case writeCreate:
		return s.repo.Create(ctx, op.account)
	case writeUpsert:
		return s.repo.Upsert(ctx, op.account)
	case writeTouch:
		return s.repo.TouchLogin(ctx, op.name, op.address, op.at)
	case writeDelete:
		return s.repo.Delete(ctx, op.name)
	}
	return oops.Errorf("unknown write kind %d", op.kind)
}
