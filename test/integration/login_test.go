// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package integration

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"golang.org/x/crypto/bcrypt"

	"github.com/holomush/holologin/internal/auth"
	authpg "github.com/holomush/holologin/internal/auth/postgres"
	"github.com/holomush/holologin/internal/login"
)

var _ = Describe("Login gate over PostgreSQL", func() {
	var (
		ctx         context.Context
		repo        *authpg.AccountRepository
		credentials *auth.CredentialStore
		gateway     *login.Gateway
	)

	newGateway := func(maxFailures int) {
		var err error
		credentials, err = auth.NewCredentialStore(repo, auth.CredentialStoreConfig{
			RetryBase: 10 * time.Millisecond,
			RetryMax:  100 * time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())
		credentials.Start(context.Background())

		hasher, err := auth.NewHasherWith(auth.AlgorithmBcrypt,
			auth.NewArgon2idHasherWithParams(auth.Argon2Params{Time: 1, Memory: 1024, Threads: 1, SaltLen: 16, KeyLen: 32}),
			auth.NewBcryptHasher(bcrypt.MinCost))
		Expect(err).NotTo(HaveOccurred())

		gateway, err = login.NewGateway(login.GatewayConfig{
			Store:        credentials,
			Hasher:       hasher,
			Cache:        login.NewCache(login.CacheConfig{RequireSameAddress: true}),
			GracePeriod:  time.Minute,
			TickInterval: 10 * time.Millisecond,
			Failures:     auth.FailurePolicy{MaxFailures: maxFailures},
		})
		Expect(err).NotTo(HaveOccurred())
		gateway.Start(ctx)
	}

	// stored waits for the write-behind worker to persist name.
	stored := func(name string) *auth.Account {
		var acct *auth.Account
		Eventually(func() error {
			var err error
			acct, err = repo.Get(ctx, name)
			return err
		}).WithTimeout(5 * time.Second).WithPolling(20 * time.Millisecond).Should(Succeed())
		return acct
	}

	register := func(name, address, password string) ulid.ULID {
		conn := ulid.Make()
		state, err := gateway.Begin(ctx, name, address, conn)
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(login.StateAuthenticating))
		outcome, err := gateway.Submit(ctx, name, conn, password)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(login.OutcomeRegistered))
		return conn
	}

	BeforeEach(func() {
		ctx = context.Background()
		truncateAccounts()
		repo = authpg.NewAccountRepository(pool)
	})

	AfterEach(func() {
		if gateway != nil {
			gateway.Stop()
		}
		if credentials != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			Expect(credentials.Stop(stopCtx)).To(Succeed())
		}
	})

	Describe("registration", func() {
		It("persists the account under its canonical name", func() {
			newGateway(0)
			register("Alice", "10.0.0.1", "hunter22")

			acct := stored("alice")
			Expect(acct.DisplayName).To(Equal("Alice"))
			Expect(acct.Algorithm).To(Equal(auth.AlgorithmBcrypt))
			Expect(acct.LastAddress).To(Equal("10.0.0.1"))
		})

		It("lets a restarted gate verify the stored credential", func() {
			newGateway(0)
			conn := register("Alice", "10.0.0.1", "hunter22")
			stored("alice")
			Expect(gateway.End("Alice", conn)).To(BeTrue())

			gateway.Stop()
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			Expect(credentials.Stop(stopCtx)).To(Succeed())
			newGateway(0)

			next := ulid.Make()
			state, err := gateway.Begin(ctx, "alice", "10.0.0.1", next)
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(login.StateAuthenticating))

			_, err = gateway.Submit(ctx, "alice", next, "wrong-password")
			Expect(err).To(MatchError(login.ErrWrongCredential))

			outcome, err := gateway.Submit(ctx, "alice", next, "hunter22")
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(login.OutcomeLoggedIn))
		})
	})

	Describe("failure limit", func() {
		It("closes the session after too many wrong passwords", func() {
			newGateway(2)
			conn := register("Bob", "10.0.0.2", "correct-horse")
			stored("bob")
			Expect(gateway.End("Bob", conn)).To(BeTrue())
			Expect(gateway.Invalidate("Bob")).To(BeFalse())

			next := ulid.Make()
			_, err := gateway.Begin(ctx, "Bob", "10.0.0.2", next)
			Expect(err).NotTo(HaveOccurred())

			_, err = gateway.Submit(ctx, "Bob", next, "nope1")
			Expect(err).To(MatchError(login.ErrWrongCredential))
			_, err = gateway.Submit(ctx, "Bob", next, "nope2")
			Expect(err).To(MatchError(login.ErrTooManyFailures))
			Expect(gateway.IsAuthenticated("Bob")).To(BeFalse())
		})
	})

	Describe("credential changes", func() {
		It("stores the new hash after a password change", func() {
			newGateway(0)
			conn := register("Carol", "10.0.0.3", "first-pass")
			before := stored("carol").CredentialHash

			Expect(gateway.ChangePassword(ctx, "Carol", conn, "first-pass", "second-pass")).To(Succeed())

			Eventually(func() (string, error) {
				acct, err := repo.Get(ctx, "carol")
				if err != nil {
					return "", err
				}
				return acct.CredentialHash, nil
			}).WithTimeout(5 * time.Second).ShouldNot(Equal(before))
		})

		It("removes the row when an account is unregistered", func() {
			newGateway(0)
			register("Dave", "10.0.0.4", "dave-pass")
			stored("dave")

			Expect(gateway.Unregister(ctx, "Dave")).To(Succeed())

			Eventually(func() error {
				_, err := repo.Get(ctx, "dave")
				return err
			}).WithTimeout(5 * time.Second).Should(MatchError(auth.ErrNotFound))
		})
	})
})

var _ = Describe("PostgreSQL account repository", func() {
	var (
		ctx  context.Context
		repo *authpg.AccountRepository
	)

	BeforeEach(func() {
		ctx = context.Background()
		truncateAccounts()
		repo = authpg.NewAccountRepository(pool)
	})

	It("rejects a second account with the same name", func() {
		acct, err := auth.NewAccount("Erin", "$2a$04$abcdefghijklmnopqrstuv", "10.0.0.5", time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(repo.Create(ctx, acct)).To(Succeed())
		Expect(repo.Create(ctx, acct)).To(MatchError(auth.ErrAccountExists))
	})

	It("reports a missing account as not found", func() {
		_, err := repo.Get(ctx, "nobody")
		Expect(err).To(MatchError(auth.ErrNotFound))
	})

	It("records the last login", func() {
		acct, err := auth.NewAccount("Frank", "$2a$04$abcdefghijklmnopqrstuv", "10.0.0.6", time.Now().Add(-time.Hour))
		Expect(err).NotTo(HaveOccurred())
		Expect(repo.Create(ctx, acct)).To(Succeed())

		at := time.Now().UTC().Truncate(time.Microsecond)
		Expect(repo.TouchLogin(ctx, "frank", "10.0.0.7", at)).To(Succeed())

		got, err := repo.Get(ctx, "frank")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.LastAddress).To(Equal("10.0.0.7"))
		Expect(got.LastLoginAt).To(BeTemporally("~", at, time.Millisecond))
	})
})
