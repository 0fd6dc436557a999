// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package login

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// State is the authentication state of one identity.
type State int

// Login states. StateUnknown means no session exists.
const (
	StateUnknown State = iota
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Outcome is the successful result of a credential submission.
type Outcome int

// Submission outcomes.
const (
	OutcomeLoggedIn Outcome = iota + 1
	OutcomeRegistered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLoggedIn:
		return "logged_in"
	case OutcomeRegistered:
		return "registered"
	default:
		return "none"
	}
}

// Reason explains why a connection is being disconnected.
type Reason string

// Disconnect reasons.
const (
	ReasonTimeout         Reason = "timeout"
	ReasonTooManyFailures Reason = "too_many_failures"
	ReasonSuperseded      Reason = "superseded"
	ReasonLogout          Reason = "logout"
	ReasonAdmin           Reason = "admin"
)

// Err returns the error describing a disconnect the user did not ask for,
// or nil.
func (r Reason) Err() error {
	switch r {
	case ReasonTimeout:
		return ErrTimeoutEvicted
	case ReasonTooManyFailures:
		return ErrTooManyFailures
	default:
		return nil
	}
}

// Status is a read-only view of a login session for presentation.
type Status struct {
	Name              string
	DisplayName       string
	ConnID            ulid.ULID
	Address           string
	State             State
	JoinedAt          time.Time
	Failures          int
	IsNewRegistration bool

	// Remaining is the grace time left while authenticating.
	Remaining time.Duration
}

// Disconnector closes connections on behalf of the gateway. It is always
// called without any gateway lock held.
type Disconnector interface {
	Disconnect(name string, connID ulid.ULID, reason Reason)
}

// Notifier renders countdown feedback for pending sessions. It is called
// from the queue goroutine and must not block.
type Notifier interface {
	Countdown(name string, connID ulid.ULID, remaining time.Duration)
}

type nopDisconnector struct{}

func (nopDisconnector) Disconnect(string, ulid.ULID, Reason) {}

type nopNotifier struct{}

func (nopNotifier) Countdown(string, ulid.ULID, time.Duration) {}
