// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/holomush/holologin/internal/auth"
)

// NewHashCmd creates the hash subcommand.
func NewHashCmd() *cobra.Command {
	var algorithm string

	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Hash a password read from stdin",
		Long: `Read one password line from stdin and print its credential hash.
Operators use it to seed accounts directly in the store while serve is
stopped; use "account reset" to change an existing credential.
On a terminal the password is read without echo.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := passwordInput(cmd)
			if err != nil {
				return err
			}
			encoded, err := hashPassword(in, algorithm)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), encoded)
			return err //nolint:wrapcheck // stdout write
		},
	}

	cmd.Flags().StringVar(&algorithm, "algorithm", string(auth.AlgorithmArgon2id), "hash algorithm (argon2id or bcrypt)")
	return cmd
}

// passwordInput returns the command's stdin, prompting without echo when
// stdin is a terminal.
func passwordInput(cmd *cobra.Command) (io.Reader, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return promptPassword(int(f.Fd()), cmd.ErrOrStderr())
	}
	return in, nil
}

// readPassword reads a line from a terminal without echo.
var readPassword = term.ReadPassword

// promptPassword asks for the password twice on a terminal.
func promptPassword(fd int, w io.Writer) (io.Reader, error) {
	_, _ = fmt.Fprint(w, "Password: ")
	first, err := readPassword(fd)
	_, _ = fmt.Fprintln(w)
	if err != nil {
		return nil, oops.Code("HASH_READ_FAILED").Wrap(err)
	}
	_, _ = fmt.Fprint(w, "Confirm password: ")
	second, err := readPassword(fd)
	_, _ = fmt.Fprintln(w)
	if err != nil {
		return nil, oops.Code("HASH_READ_FAILED").Wrap(err)
	}
	if string(first) != string(second) {
		return nil, oops.Code("HASH_PASSWORD_MISMATCH").Errorf("passwords do not match")
	}
	return strings.NewReader(string(first) + "\n"), nil
}

func hashPassword(r io.Reader, algorithm string) (string, error) {
	alg, err := auth.ParseAlgorithm(algorithm)
	if err != nil {
		return "", err
	}
	hasher, err := auth.NewHasher(alg)
	if err != nil {
		return "", err
	}

	password, err := readPasswordLine(r)
	if err != nil {
		return "", err
	}
	return hasher.Hash(password)
}

// readPasswordLine reads one non-empty line from r.
func readPasswordLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", oops.Code("HASH_READ_FAILED").Wrap(err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", auth.ErrEmptyPassword
	}
	return password, nil
}
