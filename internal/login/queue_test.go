// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package login

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type evictCall struct {
	Name     string
	ConnID   ulid.ULID
	Deadline time.Time
}

type recordingEvictor struct {
	mu     sync.Mutex
	calls  []evictCall
	result bool
	queue  *Queue
}

func (r *recordingEvictor) Evict(name string, connID ulid.ULID, deadline time.Time) bool {
	r.mu.Lock()
	r.calls = append(r.calls, evictCall{Name: name, ConnID: connID, Deadline: deadline})
	r.mu.Unlock()
	if r.queue != nil {
		return r.queue.removeIf(name, connID, deadline)
	}
	return r.result
}

func (r *recordingEvictor) Calls() []evictCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]evictCall(nil), r.calls...)
}

func TestQueue_AddRemove(t *testing.T) {
	q := NewQueue(QueueConfig{})
	conn := ulid.Make()
	deadline := epoch.Add(time.Minute)

	q.Add("alice", conn, deadline)
	got, ok := q.Deadline("alice")
	require.True(t, ok)
	assert.Equal(t, deadline, got)
	assert.Equal(t, 1, q.Len())

	assert.False(t, q.Remove("alice", ulid.Make()), "remove is scoped to the connection")
	assert.True(t, q.Remove("alice", conn))
	assert.False(t, q.Remove("alice", conn))
	assert.Zero(t, q.Len())
}

func TestQueue_RemoveIfComparesDeadline(t *testing.T) {
	q := NewQueue(QueueConfig{})
	conn := ulid.Make()
	q.Add("bob", conn, epoch.Add(time.Minute))

	assert.False(t, q.removeIf("bob", conn, epoch), "older deadline must not remove a re-added entry")
	assert.True(t, q.removeIf("bob", conn, epoch.Add(time.Minute)))
}

func TestQueue_ExpiredBoundary(t *testing.T) {
	q := NewQueue(QueueConfig{})
	deadline := epoch.Add(time.Minute)
	q.Add("carol", ulid.Make(), deadline)
	q.Add("dave", ulid.Make(), deadline.Add(-time.Second))

	assert.Empty(t, q.Expired(deadline.Add(-2*time.Second)))

	expired := q.Expired(deadline)
	require.Len(t, expired, 1, "an entry is not expired exactly at its deadline")
	assert.Equal(t, "dave", expired[0].Name)

	expired = q.Expired(deadline.Add(time.Nanosecond))
	require.Len(t, expired, 2)
	assert.Equal(t, "dave", expired[0].Name, "earliest deadline first")
	assert.Equal(t, "carol", expired[1].Name)
}

func TestQueue_SweepEvictsExpired(t *testing.T) {
	q := NewQueue(QueueConfig{})
	ev := &recordingEvictor{queue: q}
	stale := ulid.Make()
	q.Add("bob", stale, epoch.Add(time.Second))
	q.Add("alice", ulid.Make(), epoch.Add(time.Hour))

	n := q.Sweep(epoch.Add(2*time.Second), ev)
	assert.Equal(t, 1, n)
	calls := ev.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "bob", calls[0].Name)
	assert.Equal(t, stale, calls[0].ConnID)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_SweepCountsOnlyConfirmedEvictions(t *testing.T) {
	q := NewQueue(QueueConfig{})
	ev := &recordingEvictor{result: false}
	q.Add("bob", ulid.Make(), epoch)

	assert.Zero(t, q.Sweep(epoch.Add(time.Second), ev))
	assert.Len(t, ev.Calls(), 1)
}

func TestQueue_Reminders(t *testing.T) {
	clock := newFakeClock()
	notify := &recordingNotifier{}
	q := NewQueue(QueueConfig{ReminderInterval: 10 * time.Second, Notifier: notify, Now: clock.Now})
	ev := &recordingEvictor{queue: q}
	conn := ulid.Make()
	q.Add("alice", conn, epoch.Add(60*time.Second))

	q.Sweep(epoch.Add(5*time.Second), ev)
	assert.Empty(t, notify.Calls(), "no reminder before the first interval")

	q.Sweep(epoch.Add(10*time.Second), ev)
	q.Sweep(epoch.Add(11*time.Second), ev)
	q.Sweep(epoch.Add(20*time.Second), ev)

	calls := notify.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, countdownCall{Name: "alice", ConnID: conn, Remaining: 50 * time.Second}, calls[0])
	assert.Equal(t, 40*time.Second, calls[1].Remaining)
}

func TestQueue_RemindersDisabled(t *testing.T) {
	notify := &recordingNotifier{}
	q := NewQueue(QueueConfig{Notifier: notify})
	q.Add("alice", ulid.Make(), epoch.Add(time.Hour))
	q.Sweep(epoch.Add(30*time.Minute), &recordingEvictor{})
	assert.Empty(t, notify.Calls())
}

func TestQueue_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewQueue(QueueConfig{TickInterval: time.Millisecond})
	ev := &recordingEvictor{queue: q}
	q.Add("bob", ulid.Make(), time.Now().Add(-time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, ev)
		close(done)
	}()

	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
