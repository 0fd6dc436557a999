// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package login

import (
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// session is the in-memory login state of one connected identity.
type session struct {
	name              string
	displayName       string
	connID            ulid.ULID
	address           string
	state             State
	joinedAt          time.Time
	failures          int
	isNewRegistration bool
}

func (s *session) status() Status {
	return Status{
		Name:              s.name,
		DisplayName:       s.displayName,
		ConnID:            s.connID,
		Address:           s.address,
		State:             s.state,
		JoinedAt:          s.joinedAt,
		Failures:          s.failures,
		IsNewRegistration: s.isNewRegistration,
	}
}

// Table holds one login session per canonical name. Mutations for a name
// are made by the Gateway under that name's lock; the table's own mutex
// only protects the map. Stored sessions are never modified in place:
// writers put a changed copy.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{sessions: make(map[string]*session)}
}

func (t *Table) get(name string) *session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[name]
}

// lookup returns the session for name if it belongs to connID.
func (t *Table) lookup(name string, connID ulid.ULID) *session {
	s := t.get(name)
	if s == nil || s.connID != connID {
		return nil
	}
	return s
}

func (t *Table) put(s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.name] = s
}

// remove deletes the session for name if it belongs to connID.
func (t *Table) remove(name string, connID ulid.ULID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[name]
	if !ok || s.connID != connID {
		return false
	}
	delete(t.sessions, name)
	return true
}

// State returns the state of name, StateUnknown if it has no session.
func (t *Table) State(name string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.sessions[name]; ok {
		return s.state
	}
	return StateUnknown
}

// Status returns a copy of the session for name.
func (t *Table) Status(name string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[name]
	if !ok {
		return Status{}, false
	}
	return s.status(), true
}

// Snapshot returns every session ordered by name.
func (t *Table) Snapshot() []Status {
	t.mu.RLock()
	out := make([]Status, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.status())
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
