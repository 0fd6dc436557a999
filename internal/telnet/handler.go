// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package telnet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/holologin/internal/login"
	"github.com/holomush/holologin/internal/observability"
	"github.com/holomush/holologin/pkg/errutil"
)

const (
	outboxSize   = 32
	writeTimeout = 5 * time.Second
)

var tracer = otel.Tracer("holologin/telnet")

// Command status labels.
const (
	statusOK       = "ok"
	statusRejected = "rejected"
	statusError    = "error"
)

// ConnectionHandler runs the line protocol for one connection.
type ConnectionHandler struct {
	conn        net.Conn
	reader      *bufio.Reader
	gateway     Gateway
	logger      *slog.Logger
	connID      ulid.ULID
	address     string
	nameTimeout time.Duration

	out        chan string
	kicked     chan login.Reason
	stopped    chan struct{}
	writerDone chan struct{}
	readerDone chan struct{}

	// Owned by the handle goroutine.
	name     string
	authed   bool
	quitting bool
	// account is what the store said about name when it was given.
	account accountStatus
}

type accountStatus int

const (
	accountUnknown accountStatus = iota
	accountExists
	accountMissing
)

func newConnectionHandler(conn net.Conn, gw Gateway, nameTimeout time.Duration, logger *slog.Logger) *ConnectionHandler {
	connID := ulid.Make()
	return &ConnectionHandler{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		gateway:     gw,
		logger:      logger.With("conn_id", connID.String()),
		connID:      connID,
		address:     remoteHost(conn),
		nameTimeout: nameTimeout,
		out:         make(chan string, outboxSize),
		kicked:      make(chan login.Reason, 1),
		stopped:     make(chan struct{}),
		writerDone:  make(chan struct{}),
		readerDone:  make(chan struct{}),
	}
}

// handle processes the connection until it is closed, kicked or ctx ends.
func (h *ConnectionHandler) handle(ctx context.Context, metrics *observability.Metrics) {
	defer close(h.stopped)
	ctx = trace.ContextWithRemoteSpanContext(ctx, connSpanContext(h.connID))

	go h.writeLoop()

	lines := make(chan string)
	errs := make(chan error, 1)
	go h.readLoop(lines, errs)

	defer h.end()

	h.send("Welcome to HoloLogin.")
	h.send("What is your name?")

	nameTimer := time.NewTimer(h.nameTimeout)
	defer nameTimer.Stop()

	for {
		var nameTimeout <-chan time.Time
		if h.name == "" {
			nameTimeout = nameTimer.C
		}

		select {
		case <-ctx.Done():
			h.send("The server is shutting down. Goodbye.")
			return

		case reason := <-h.kicked:
			h.send(kickMessage(reason))
			h.logger.InfoContext(ctx, "connection closed by login gate",
				"name", h.name,
				"reason", string(reason),
			)
			return

		case <-nameTimeout:
			h.send("You took too long to give a name. Goodbye.")
			return

		case err := <-errs:
			if !errors.Is(err, io.EOF) {
				h.logger.DebugContext(ctx, "connection read error", "error", err)
			}
			return

		case line := <-lines:
			h.processLine(ctx, line, metrics)
			if h.quitting {
				return
			}
		}
	}
}

// end releases the login session, if any. A session that was already
// evicted or superseded is left alone.
func (h *ConnectionHandler) end() {
	if h.name != "" {
		h.gateway.End(h.name, h.connID)
	}
}

// close flushes pending output and closes the connection. It must be
// called once, after handle returns and no more notifications can arrive.
func (h *ConnectionHandler) close() {
	close(h.out)
	<-h.writerDone
	if err := h.conn.Close(); err != nil {
		h.logger.Debug("error closing connection", "error", err)
	}
	<-h.readerDone
}

// kick asks the handler to disconnect. It never blocks.
func (h *ConnectionHandler) kick(reason login.Reason) {
	select {
	case h.kicked <- reason:
	default:
	}
}

// notify queues an asynchronous message, dropping it if the client is not
// keeping up.
func (h *ConnectionHandler) notify(msg string) {
	select {
	case h.out <- msg:
	default:
		h.logger.Debug("dropped notification for slow client")
	}
}

func (h *ConnectionHandler) send(msg string) {
	h.out <- msg
}

func (h *ConnectionHandler) writeLoop() {
	defer close(h.writerDone)
	for msg := range h.out {
		if err := h.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			continue
		}
		if _, err := fmt.Fprint(h.conn, msg+"\r\n"); err != nil {
			h.logger.Debug("failed to send message to client", "error", err)
		}
	}
}

func (h *ConnectionHandler) readLoop(lines chan<- string, errs chan<- error) {
	defer close(h.readerDone)
	for {
		line, err := h.reader.ReadString('\n')
		if err != nil {
			errs <- err
			return
		}
		select {
		case lines <- strings.TrimSpace(line):
		case <-h.stopped:
			return
		}
	}
}

func (h *ConnectionHandler) processLine(ctx context.Context, line string, metrics *observability.Metrics) {
	if line == "" {
		return
	}
	if h.name == "" {
		h.handleName(ctx, line)
		return
	}

	cmd, arg := parseCommand(line)
	ctx, span := tracer.Start(ctx, "telnet.command",
		trace.WithAttributes(attribute.String("command.name", commandLabel(cmd))),
	)
	status := h.dispatch(ctx, cmd, arg)
	span.SetAttributes(attribute.String("command.status", status))
	span.End()
	metrics.Command(commandLabel(cmd), status)
}

func (h *ConnectionHandler) dispatch(ctx context.Context, cmd, arg string) string {
	if cmd == "quit" {
		return h.handleQuit()
	}

	if !h.authed {
		switch cmd {
		case "login":
			return h.handleLogin(ctx, arg)
		case "register":
			return h.handleRegister(ctx, arg)
		default:
			h.send("You must log in first.")
			return statusRejected
		}
	}

	switch cmd {
	case "who":
		return h.handleWho()
	case "password":
		return h.handlePassword(ctx, arg)
	case "logout":
		return h.handleLogout(ctx)
	case "login", "register":
		h.send("You are already logged in.")
		return statusRejected
	default:
		h.send("Unknown command: " + cmd)
		return statusRejected
	}
}

func (h *ConnectionHandler) handleName(ctx context.Context, name string) {
	if strings.EqualFold(name, "quit") {
		h.handleQuit()
		return
	}

	state, err := h.gateway.Begin(ctx, name, h.address, h.connID)
	if err != nil {
		h.report(ctx, err)
		h.send("What is your name?")
		return
	}
	h.name = name

	if state == login.StateAuthenticated {
		h.authed = true
		h.send(fmt.Sprintf("Welcome back, %s! You were recently logged in from this address.", name))
		return
	}

	registered, err := h.gateway.Registered(ctx, name)
	switch {
	case err != nil:
		h.logger.WarnContext(ctx, "could not check registration", "name", name, "error", err)
		h.send("Log in with: login <password>")
	case registered:
		h.account = accountExists
		h.send(fmt.Sprintf("Welcome back, %s. Log in with: login <password>", name))
	default:
		h.account = accountMissing
		h.send(fmt.Sprintf("Welcome, %s. Register with: register <password> <password>", name))
	}
}

func (h *ConnectionHandler) handleLogin(ctx context.Context, password string) string {
	if password == "" {
		h.send("Usage: login <password>")
		return statusRejected
	}
	if h.account == accountMissing {
		h.send("You are not registered. Use: register <password> <password>")
		return statusRejected
	}
	return h.submit(ctx, password)
}

func (h *ConnectionHandler) handleRegister(ctx context.Context, arg string) string {
	fields := strings.Fields(arg)
	if len(fields) != 2 {
		h.send("Usage: register <password> <password>")
		return statusRejected
	}
	if fields[0] != fields[1] {
		h.send("Passwords do not match.")
		return statusRejected
	}
	if h.account == accountExists {
		h.send("That name is already registered. Use: login <password>")
		return statusRejected
	}
	return h.submit(ctx, fields[0])
}

func (h *ConnectionHandler) submit(ctx context.Context, password string) string {
	outcome, err := h.gateway.Submit(ctx, h.name, h.connID, password)
	if err != nil {
		return h.report(ctx, err)
	}

	h.authed = true
	h.account = accountExists
	if outcome == login.OutcomeRegistered {
		h.send(fmt.Sprintf("Welcome, %s! Your account has been created.", h.name))
	} else {
		h.send(fmt.Sprintf("Welcome back, %s!", h.name))
	}
	return statusOK
}

func (h *ConnectionHandler) handleWho() string {
	var names []string
	for _, s := range h.gateway.Sessions() {
		if s.State == login.StateAuthenticated {
			names = append(names, s.DisplayName)
		}
	}
	h.send("Online:")
	for _, n := range names {
		h.send("  " + n)
	}
	h.send(fmt.Sprintf("%d online.", len(names)))
	return statusOK
}

func (h *ConnectionHandler) handlePassword(ctx context.Context, arg string) string {
	fields := strings.Fields(arg)
	if len(fields) != 2 {
		h.send("Usage: password <current> <new>")
		return statusRejected
	}
	if err := h.gateway.ChangePassword(ctx, h.name, h.connID, fields[0], fields[1]); err != nil {
		return h.report(ctx, err)
	}
	h.send("Password changed.")
	return statusOK
}

func (h *ConnectionHandler) handleLogout(ctx context.Context) string {
	if err := h.gateway.Logout(h.name, h.connID); err != nil {
		return h.report(ctx, err)
	}
	return statusOK
}

func (h *ConnectionHandler) handleQuit() string {
	h.send("Goodbye!")
	h.quitting = true
	return statusOK
}

// report sends the user-facing description of err and returns the
// command status.
func (h *ConnectionHandler) report(ctx context.Context, err error) string {
	msg, expected := describe(err)
	if msg != "" {
		h.send(msg)
	}
	if !expected {
		errutil.LogErrorContext(ctx, h.logger, "login gate request failed", err)
		return statusError
	}
	return statusRejected
}

// connSpanContext roots a connection's spans and log lines in a trace whose
// ID is the connection ID.
func connSpanContext(id ulid.ULID) trace.SpanContext {
	var spanID trace.SpanID
	copy(spanID[:], id[8:])
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID(id),
		SpanID:  spanID,
	})
}

func parseCommand(line string) (cmd, arg string) {
	cmd, arg, _ = strings.Cut(strings.TrimSpace(line), " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

func commandLabel(cmd string) string {
	switch cmd {
	case "login", "register", "quit", "who", "password", "logout":
		return cmd
	default:
		return "unknown"
	}
}

func remoteHost(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
