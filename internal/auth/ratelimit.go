// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"time"
)

// MaxFailureDelay caps the progressive delay between wrong credentials.
const MaxFailureDelay = 8 * time.Second

// FailurePolicy decides what happens after wrong credentials on one
// connection. The zero value never disconnects.
type FailurePolicy struct {
	// MaxFailures is the number of wrong credentials after which the
	// connection is dropped. Zero or negative means unlimited.
	MaxFailures int

	// ProgressiveDelay enables an exponential reply delay per failure.
	ProgressiveDelay bool
}

// FailureVerdict contains the result of a failure check.
type FailureVerdict struct {
	// Delay is how long the presentation layer should wait before replying.
	Delay time.Duration

	// Disconnect indicates the failure limit has been reached.
	Disconnect bool

	// Remaining is the number of attempts left, or -1 when unlimited.
	Remaining int
}

// Check evaluates the policy for the given failure count.
func (p FailurePolicy) Check(failures int) FailureVerdict {
	v := FailureVerdict{Remaining: -1}

	// 2^(failures-1) seconds, capped
	if p.ProgressiveDelay && failures > 0 {
		shift := failures - 1
		if shift > 10 {
			shift = 10
		}
		v.Delay = min(time.Duration(1<<shift)*time.Second, MaxFailureDelay)
	}

	if p.MaxFailures > 0 {
		v.Remaining = max(p.MaxFailures-failures, 0)
		if failures >= p.MaxFailures {
			v.Disconnect = true
			v.Delay = 0
		}
	}
	return v
}
