// Package presence tracks which users currently hold an open connection to
// the relay. It is the source of truth for online/offline signaling: a single
// mapping from user identity to live-connection handle, mutated only by the
// relay core's login and disconnect handlers.
package presence

import (
	"sort"
	"sync"
)

// Entry binds a logical user identity to the connection it is reachable on.
// Identity fields are externally issued and trusted as supplied at login.
type Entry struct {
	UserID string
	Name   string
	Email  string
	Image  string
	ConnID string // connection handle owning this entry
}

// Registry is a goroutine-safe mapping from userId to presence entry. It is
// keyed by userId, not by connection, so a user reconnecting with a new
// connection replaces the old mapping (last-login-wins).
type Registry struct {
	mu    sync.RWMutex
	users map[string]Entry
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]Entry),
	}
}

// Set upserts the presence entry for a user. A second login for the same
// userId replaces the previous entry without growing the registry.
func (r *Registry) Set(e Entry) {
	r.mu.Lock()
	r.users[e.UserID] = e
	r.mu.Unlock()
}

// Get returns the presence entry for a user and whether it exists.
func (r *Registry) Get(userID string) (Entry, bool) {
	r.mu.RLock()
	e, ok := r.users[userID]
	r.mu.RUnlock()
	return e, ok
}

// RemoveByConn removes the entry owned by the given connection handle and
// returns it. The scan is linear in the number of online users; no index by
// connection is kept at this scale. If the user has since logged in on a
// newer connection, the entry belongs to that connection and is left alone.
func (r *Registry) RemoveByConn(connID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for userID, e := range r.users {
		if e.ConnID == connID {
			delete(r.users, userID)
			return e, true
		}
	}
	return Entry{}, false
}

// List returns a snapshot of all online users sorted by userId, so repeated
// broadcasts of the same presence set are byte-identical.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.users))
	for _, e := range r.users {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UserID < entries[j].UserID
	})
	return entries
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.users)
	r.mu.RUnlock()
	return n
}
