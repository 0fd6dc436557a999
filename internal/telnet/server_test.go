// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package telnet

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"github.com/holomush/holologin/internal/auth"
	"github.com/holomush/holologin/internal/auth/sqlite"
	"github.com/holomush/holologin/internal/login"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testEnv struct {
	srv    *Server
	gw     *login.Gateway
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

type envConfig struct {
	gateway     func(*login.GatewayConfig)
	nameTimeout time.Duration
	logger      *slog.Logger
	// wrap decorates the gateway the server sees.
	wrap func(Gateway) Gateway
}

func newTestEnv(t *testing.T, cfg envConfig) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	repo, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	store, err := auth.NewCredentialStore(repo, auth.CredentialStoreConfig{})
	require.NoError(t, err)
	store.Start(context.Background())
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		assert.NoError(t, store.Stop(stopCtx))
	})

	hasher, err := auth.NewHasherWith(auth.AlgorithmArgon2id,
		auth.NewArgon2idHasherWithParams(auth.Argon2Params{Time: 1, Memory: 1024, Threads: 1, SaltLen: 16, KeyLen: 32}),
		auth.NewBcryptHasher(bcrypt.MinCost))
	require.NoError(t, err)

	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", NameTimeout: cfg.nameTimeout, Logger: cfg.logger})

	gcfg := login.GatewayConfig{
		Store:        store,
		Hasher:       hasher,
		Cache:        login.NewCache(login.CacheConfig{RequireSameAddress: true}),
		Disconnector: srv,
		Notifier:     srv,
		TickInterval: 10 * time.Millisecond,
		Logger:       cfg.logger,
	}
	if cfg.gateway != nil {
		cfg.gateway(&gcfg)
	}
	gw, err := login.NewGateway(gcfg)
	require.NoError(t, err)
	gw.Start(ctx)
	t.Cleanup(gw.Stop)

	env := &testEnv{srv: srv, gw: gw, cancel: cancel, done: make(chan error, 1)}
	var served Gateway = gw
	if cfg.wrap != nil {
		served = cfg.wrap(gw)
	}
	go func() { env.done <- srv.Run(ctx, served) }()
	t.Cleanup(env.shutdown)

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 5*time.Millisecond)
	return env
}

func (e *testEnv) shutdown() {
	e.once.Do(func() {
		e.cancel()
		select {
		case <-e.done:
		case <-time.After(5 * time.Second):
		}
	})
}

type client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func (e *testEnv) dial(t *testing.T) *client {
	t.Helper()
	conn, err := net.Dial("tcp", e.srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	c := &client{t: t, conn: conn, reader: bufio.NewReader(conn)}
	c.expect("What is your name?")
	return c
}

func (c *client) send(line string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(time.Second)))
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
}

func (c *client) readLine() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return "", err
	}
	line, err := c.reader.ReadString('\n')
	return strings.TrimSpace(line), err
}

// expect reads lines until one contains want and returns it.
func (c *client) expect(want string) string {
	c.t.Helper()
	var seen []string
	for range 20 {
		line, err := c.readLine()
		if err != nil {
			c.t.Fatalf("waiting for %q: %v (seen %q)", want, err, seen)
		}
		if strings.Contains(line, want) {
			return line
		}
		seen = append(seen, line)
	}
	c.t.Fatalf("never saw %q (seen %q)", want, seen)
	return ""
}

// expectClosed reads until the server closes the connection.
func (c *client) expectClosed() {
	c.t.Helper()
	for range 20 {
		if _, err := c.readLine(); err != nil {
			assert.True(c.t, errors.Is(err, io.EOF), "expected EOF, got %v", err)
			return
		}
	}
	c.t.Fatal("connection was not closed")
}

func (c *client) register(name, password string) {
	c.t.Helper()
	c.send(name)
	c.expect("Register with")
	c.send("register " + password + " " + password)
	c.expect("Your account has been created.")
}

func TestServer_RegisterWhoQuit(t *testing.T) {
	env := newTestEnv(t, envConfig{})

	c := env.dial(t)
	c.send("Alice")
	c.expect("Welcome, Alice. Register with")
	c.send("register s3cret s3cret")
	c.expect("Welcome, Alice! Your account has been created.")

	c.send("who")
	c.expect("Alice")
	c.expect("1 online.")

	c.send("quit")
	c.expect("Goodbye!")
	c.expectClosed()

	require.Eventually(t, func() bool {
		_, ok := env.gw.Status("alice")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return env.srv.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServer_ReconnectFromSameAddressSkipsPrompt(t *testing.T) {
	env := newTestEnv(t, envConfig{})

	c := env.dial(t)
	c.register("alice", "s3cret")
	c.send("quit")
	c.expectClosed()
	require.Eventually(t, func() bool { return !env.gw.IsAuthenticated("alice") }, 2*time.Second, 5*time.Millisecond)

	c2 := env.dial(t)
	c2.send("alice")
	c2.expect("Welcome back, alice! You were recently logged in")
	assert.True(t, env.gw.IsAuthenticated("alice"))
}

func TestServer_CommandsRequireLogin(t *testing.T) {
	env := newTestEnv(t, envConfig{})

	c := env.dial(t)
	c.send("bob")
	c.expect("Register with")

	c.send("who")
	c.expect("You must log in first.")
	c.send("password a b")
	c.expect("You must log in first.")
	c.send("login s3cret")
	c.expect("You are not registered.")
	c.send("register one two")
	c.expect("Passwords do not match.")
	c.send("register onlyone")
	c.expect("Usage: register <password> <password>")
}

func TestServer_TooManyFailuresDisconnects(t *testing.T) {
	env := newTestEnv(t, envConfig{gateway: func(c *login.GatewayConfig) {
		c.Failures = auth.FailurePolicy{MaxFailures: 2}
	}})

	c := env.dial(t)
	c.register("bob", "s3cret")
	c.send("logout")
	c.expect("You have been logged out.")
	c.expectClosed()

	c2 := env.dial(t)
	c2.send("bob")
	c2.expect("Welcome back, bob. Log in with")
	c2.send("register s3cret s3cret")
	c2.expect("already registered")
	c2.send("login wrong1")
	c2.expect("Wrong password. 1 attempt left.")
	c2.send("login wrong2")
	c2.expect("Too many failed login attempts.")
	c2.expectClosed()
}

func TestServer_LoginAndChangePassword(t *testing.T) {
	env := newTestEnv(t, envConfig{})

	c := env.dial(t)
	c.register("carol", "s3cret")
	c.send("password wrong n3wpass")
	c.expect("Wrong password.")
	c.send("password s3cret n3wpass")
	c.expect("Password changed.")
	c.send("login n3wpass")
	c.expect("You are already logged in.")
	c.send("logout")
	c.expectClosed()

	c2 := env.dial(t)
	c2.send("carol")
	c2.expect("Log in with")
	c2.send("login s3cret")
	c2.expect("Wrong password.")
	c2.send("login n3wpass")
	c2.expect("Welcome back, carol!")
}

func TestServer_GracePeriodCountdownAndTimeout(t *testing.T) {
	env := newTestEnv(t, envConfig{gateway: func(c *login.GatewayConfig) {
		c.GracePeriod = 300 * time.Millisecond
		c.ReminderInterval = 50 * time.Millisecond
	}})

	c := env.dial(t)
	c.send("dave")
	c.expect("left to log in.")
	c.expect("You took too long to log in.")
	c.expectClosed()

	_, ok := env.gw.Status("dave")
	assert.False(t, ok)
}

func TestServer_NameTimeout(t *testing.T) {
	env := newTestEnv(t, envConfig{nameTimeout: 100 * time.Millisecond})

	c := env.dial(t)
	c.expect("You took too long to give a name.")
	c.expectClosed()
}

func TestServer_InvalidNameReprompts(t *testing.T) {
	env := newTestEnv(t, envConfig{})

	c := env.dial(t)
	c.send("a!")
	c.expect("Names are 3 to 16 letters, digits or underscores.")
	c.expect("What is your name?")
	c.send("erin")
	c.expect("Register with")
}

func TestServer_AlreadyOnline(t *testing.T) {
	env := newTestEnv(t, envConfig{})

	c := env.dial(t)
	c.register("frank", "s3cret")

	c2 := env.dial(t)
	c2.send("Frank")
	c2.expect("already logged in from another connection")
	c2.expect("What is your name?")
	assert.True(t, env.gw.IsAuthenticated("frank"))
}

func TestServer_PendingSessionSuperseded(t *testing.T) {
	env := newTestEnv(t, envConfig{})

	c := env.dial(t)
	c.send("grace")
	c.expect("Register with")

	c2 := env.dial(t)
	c2.send("grace")
	c2.expect("Register with")

	c.expect("Another connection is logging in with your name.")
	c.expectClosed()

	c2.send("register s3cret s3cret")
	c2.expect("Your account has been created.")
}

func TestServer_ShutdownNotifiesClients(t *testing.T) {
	env := newTestEnv(t, envConfig{})

	c := env.dial(t)
	c.send("heidi")
	c.expect("Register with")

	env.shutdown()
	c.expect("The server is shutting down.")
	c.expectClosed()
	assert.Zero(t, env.srv.Len())
}

func TestServer_RunRequiresGateway(t *testing.T) {
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0"})
	require.Error(t, srv.Run(context.Background(), nil))
}

func TestServer_NotifyForUnknownConnectionIsIgnored(t *testing.T) {
	srv := NewServer(ServerConfig{})
	id := ulid.Make()
	srv.Disconnect("nobody", id, login.ReasonAdmin)
	srv.Countdown("nobody", id, time.Second)
}

// countingGateway counts registration lookups.
type countingGateway struct {
	Gateway
	lookups atomic.Int32
}

func (g *countingGateway) Registered(ctx context.Context, name string) (bool, error) {
	g.lookups.Add(1)
	return g.Gateway.Registered(ctx, name)
}

func TestServer_RegistrationLookedUpOncePerName(t *testing.T) {
	counting := &countingGateway{}
	env := newTestEnv(t, envConfig{wrap: func(gw Gateway) Gateway {
		counting.Gateway = gw
		return counting
	}})

	c := env.dial(t)
	c.send("bob")
	c.expect("Register with")
	assert.Equal(t, int32(1), counting.lookups.Load())

	c.send("login s3cret")
	c.expect("You are not registered.")
	c.send("register s3cret s3cret")
	c.expect("Your account has been created.")
	assert.Equal(t, int32(1), counting.lookups.Load())
	c.send("quit")
	c.expectClosed()
	require.Eventually(t, func() bool { return !env.gw.IsAuthenticated("bob") }, 2*time.Second, 5*time.Millisecond)
	env.gw.Invalidate("bob")

	c2 := env.dial(t)
	c2.send("bob")
	c2.expect("Welcome back, bob. Log in with")
	c2.send("register s3cret s3cret")
	c2.expect("already registered")
	c2.send("login s3cret")
	c2.expect("Welcome back, bob!")
	assert.Equal(t, int32(2), counting.lookups.Load())
}
