// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package login

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Default queue timing.
const (
	DefaultGracePeriod      = 60 * time.Second
	DefaultTickInterval     = time.Second
	DefaultReminderInterval = 10 * time.Second
)

// Entry is a pending identity watched by the Queue.
type Entry struct {
	Name     string
	ConnID   ulid.ULID
	Deadline time.Time
}

type queueEntry struct {
	Entry
	nextReminder time.Time
}

// Evictor removes a pending session whose deadline has passed. It must
// re-check under its own lock that the entry is still the one observed and
// report whether it evicted.
type Evictor interface {
	Evict(name string, connID ulid.ULID, deadline time.Time) bool
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	// TickInterval is how often Run sweeps. Defaults to DefaultTickInterval.
	TickInterval time.Duration

	// ReminderInterval is how often Notifier.Countdown is called per entry.
	// Zero or negative disables reminders.
	ReminderInterval time.Duration

	// Notifier receives countdown reminders. Optional.
	Notifier Notifier

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Queue tracks the deadline of every pending identity and evicts those
// that overstay it. It holds names only and never owns sessions.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*queueEntry

	tick     time.Duration
	reminder time.Duration
	notifier Notifier
	now      func() time.Time
}

// NewQueue creates an empty Queue.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{
		entries:  make(map[string]*queueEntry),
		tick:     cfg.TickInterval,
		reminder: cfg.ReminderInterval,
		notifier: cfg.Notifier,
		now:      cfg.Now,
	}
}

// Add watches name on connection connID until deadline, replacing any
// previous entry for name.
func (q *Queue) Add(name string, connID ulid.ULID, deadline time.Time) {
	e := &queueEntry{Entry: Entry{Name: name, ConnID: connID, Deadline: deadline}}
	if q.reminder > 0 {
		e.nextReminder = q.now().Add(q.reminder)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[name] = e
}

// Remove stops watching name if its entry belongs to connID.
func (q *Queue) Remove(name string, connID ulid.ULID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[name]
	if !ok || e.ConnID != connID {
		return false
	}
	delete(q.entries, name)
	return true
}

// removeIf deletes the entry only if it still matches connID and deadline.
func (q *Queue) removeIf(name string, connID ulid.ULID, deadline time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[name]
	if !ok || e.ConnID != connID || !e.Deadline.Equal(deadline) {
		return false
	}
	delete(q.entries, name)
	return true
}

// Get returns the entry for name.
func (q *Queue) Get(name string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[name]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// Deadline returns the eviction deadline for name.
func (q *Queue) Deadline(name string) (time.Time, bool) {
	e, ok := q.Get(name)
	return e.Deadline, ok
}

// Len returns the number of pending identities.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Expired returns the entries whose deadline is before now, earliest
// first. An entry is not expired at exactly its deadline.
func (q *Queue) Expired(now time.Time) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, e := range q.entries {
		if now.After(e.Deadline) {
			out = append(out, e.Entry)
		}
	}
	sortByDeadline(out)
	return out
}

// Sweep evicts every expired entry through ev and sends due countdown
// reminders for the rest. It returns the number of entries evicted.
// No queue lock is held while ev or the notifier runs.
func (q *Queue) Sweep(now time.Time, ev Evictor) int {
	var expired, remind []Entry

	q.mu.Lock()
	for _, e := range q.entries {
		switch {
		case now.After(e.Deadline):
			expired = append(expired, e.Entry)
		case q.reminder > 0 && !now.Before(e.nextReminder):
			e.nextReminder = now.Add(q.reminder)
			remind = append(remind, e.Entry)
		}
	}
	q.mu.Unlock()

	sortByDeadline(expired)
	evicted := 0
	for _, e := range expired {
		if ev.Evict(e.Name, e.ConnID, e.Deadline) {
			evicted++
		}
	}
	for _, e := range remind {
		q.notifier.Countdown(e.Name, e.ConnID, e.Deadline.Sub(now))
	}
	return evicted
}

// Run sweeps every tick until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, ev Evictor) {
	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Sweep(q.now(), ev)
		}
	}
}

func sortByDeadline(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Deadline.Before(entries[j].Deadline)
	})
}
