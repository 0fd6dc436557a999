// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package cli_test

import (
	"context"
	"os/exec"
	"strings"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
)

// holologin runs the CLI from source against the suite database.
func holologin(ctx context.Context, databaseURL string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "go", append([]string{"run", "."}, args...)...)
	cmd.Dir = "../../../cmd/holologin"
	cmd.Env = append(cmd.Environ(), "DATABASE_URL="+databaseURL)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

var _ = Describe("Migrate Command", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
		cleanupDatabase(ctx, env.pool)
	})

	It("creates the accounts table", func() {
		output, err := holologin(ctx, env.connStr, "migrate")
		Expect(err).NotTo(HaveOccurred(), "migrate failed: %s", output)
		Expect(output).To(ContainSubstring("Schema version: 3"))

		var exists bool
		err = env.pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables WHERE table_name = 'accounts'
			)`).Scan(&exists)
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(BeTrue())
	})

	It("is idempotent", func() {
		for range 2 {
			output, err := holologin(ctx, env.connStr, "migrate")
			Expect(err).NotTo(HaveOccurred(), "migrate failed: %s", output)
		}
	})

	It("reports pending migrations before the first run", func() {
		output, err := holologin(ctx, env.connStr, "migrate", "status")
		Expect(err).NotTo(HaveOccurred(), "status failed: %s", output)
		Expect(output).To(ContainSubstring("pending: 000001_create_accounts"))

		output, err = holologin(ctx, env.connStr, "migrate")
		Expect(err).NotTo(HaveOccurred(), "migrate failed: %s", output)

		output, err = holologin(ctx, env.connStr, "migrate", "status")
		Expect(err).NotTo(HaveOccurred(), "status failed: %s", output)
		Expect(output).To(ContainSubstring("No pending migrations"))
	})

	It("rolls every migration back", func() {
		output, err := holologin(ctx, env.connStr, "migrate")
		Expect(err).NotTo(HaveOccurred(), "migrate failed: %s", output)

		output, err = holologin(ctx, env.connStr, "migrate", "down")
		Expect(err).NotTo(HaveOccurred(), "down failed: %s", output)
		Expect(output).To(ContainSubstring("All migrations rolled back"))
	})

	Describe("Error handling", func() {
		It("fails with CONFIG_INVALID when DATABASE_URL is missing", func() {
			output, err := holologin(ctx, "", "migrate")
			Expect(err).To(HaveOccurred())
			Expect(strings.ToUpper(output)).To(ContainSubstring("DATABASE_URL"))
		})
	})
})
