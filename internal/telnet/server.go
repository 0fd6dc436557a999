// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package telnet is the line-oriented connection front end of the login
// gate. It owns connection lifecycle and presentation and closes
// connections on behalf of the gateway.
package telnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/holologin/internal/login"
	"github.com/holomush/holologin/internal/observability"
)

// DefaultNameTimeout bounds how long a connection may sit at the name prompt.
const DefaultNameTimeout = 60 * time.Second

// Gateway is the login gate the server drives. *login.Gateway implements it.
type Gateway interface {
	Begin(ctx context.Context, name, address string, connID ulid.ULID) (login.State, error)
	Submit(ctx context.Context, name string, connID ulid.ULID, plaintext string) (login.Outcome, error)
	End(name string, connID ulid.ULID) bool
	Sessions() []login.Status
	Registered(ctx context.Context, name string) (bool, error)
	ChangePassword(ctx context.Context, name string, connID ulid.ULID, current, next string) error
	Logout(name string, connID ulid.ULID) error
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string

	// NameTimeout closes connections that never give a name.
	// Defaults to DefaultNameTimeout.
	NameTimeout time.Duration

	// Logger defaults to a discard logger.
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *observability.Metrics
}

// Server accepts telnet connections and runs one ConnectionHandler per
// connection. It implements login.Disconnector and login.Notifier.
type Server struct {
	addr        string
	nameTimeout time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics

	mu       sync.RWMutex
	listener net.Listener
	conns    map[ulid.ULID]*ConnectionHandler
	wg       sync.WaitGroup
}

// NewServer creates a new telnet server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.NameTimeout <= 0 {
		cfg.NameTimeout = DefaultNameTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		addr:        cfg.Addr,
		nameTimeout: cfg.NameTimeout,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		conns:       make(map[ulid.ULID]*ConnectionHandler),
	}
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Run listens and serves connections against gw until ctx is cancelled.
// It returns after every connection has been closed.
func (s *Server) Run(ctx context.Context, gw Gateway) error {
	if gw == nil {
		return oops.Errorf("gateway is required")
	}
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return oops.Code("TELNET_LISTEN_FAILED").With("addr", s.addr).Wrap(err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("telnet server started", "addr", listener.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		if err := listener.Close(); err != nil {
			s.logger.Debug("error closing listener", "error", err)
		}
	})
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.serve(ctx, conn, gw)
	}

	s.wg.Wait()
	s.logger.Info("telnet server stopped")
	return nil
}

func (s *Server) serve(ctx context.Context, conn net.Conn, gw Gateway) {
	h := newConnectionHandler(conn, gw, s.nameTimeout, s.logger)

	s.mu.Lock()
	s.conns[h.connID] = h
	s.mu.Unlock()
	s.metrics.ConnectionOpened()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.handle(ctx, s.metrics)

		s.mu.Lock()
		delete(s.conns, h.connID)
		s.mu.Unlock()

		h.close()
		s.metrics.ConnectionClosed()
	}()
}

// Disconnect implements login.Disconnector.
func (s *Server) Disconnect(name string, connID ulid.ULID, reason login.Reason) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.conns[connID]; ok {
		h.kick(reason)
		return
	}
	s.logger.Debug("disconnect for unknown connection",
		"name", name,
		"conn_id", connID.String(),
		"reason", string(reason),
	)
}

// Countdown implements login.Notifier. It never blocks.
func (s *Server) Countdown(_ string, connID ulid.ULID, remaining time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.conns[connID]; ok {
		h.notify(countdownMessage(remaining))
	}
}

func countdownMessage(remaining time.Duration) string {
	secs := int(remaining.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	unit := "seconds"
	if secs == 1 {
		unit = "second"
	}
	return fmt.Sprintf("You have %d %s left to log in.", secs, unit)
}

var (
	_ login.Disconnector = (*Server)(nil)
	_ login.Notifier     = (*Server)(nil)
)
