// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package logging

import (
	"log/slog"
	"strings"
)

// Redacted replaces credential material in log output.
const Redacted = "[REDACTED]"

// sensitiveKeys are attribute key fragments whose values are never logged.
var sensitiveKeys = []string{"password", "credential", "secret", "plaintext"}

// credentialCommands take credential arguments on the login prompt.
var credentialCommands = map[string]bool{
	"login":    true,
	"register": true,
	"password": true,
}

// RedactAttr is a slog.HandlerOptions.ReplaceAttr function that hides
// credential values and the arguments of credential commands.
func RedactAttr(_ []string, a slog.Attr) slog.Attr {
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, Redacted)
	}
	if a.Value.Kind() == slog.KindString {
		if masked, ok := MaskCommand(a.Value.String()); ok {
			return slog.String(a.Key, masked)
		}
	}
	return a
}

// MaskCommand replaces the arguments of a credential command line. It
// reports whether line was such a command.
func MaskCommand(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	verb, rest, hasArgs := strings.Cut(trimmed, " ")
	if !hasArgs || !credentialCommands[strings.ToLower(verb)] {
		return line, false
	}
	if strings.TrimSpace(rest) == "" {
		return line, false
	}
	return verb + " " + Redacted, true
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
