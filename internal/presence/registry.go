// Package presence tracks which users currently hold a live realtime connection.
package presence

import (
	"log/slog"
	"sort"
	"sync"
)

// Handle identifies a live connection.
type Handle interface {
	ID() string
}

// Entry is one online user as reported to clients.
type Entry struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

// Registry maps a user to their single active connection. A later Register for the
// same user replaces the earlier handle.
type Registry struct {
	mu     sync.RWMutex
	active map[string]Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]Handle),
	}
}

// Register maps userID to h and returns the handle it replaced, if any.
func (r *Registry) Register(userID string, h Handle) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.active[userID]
	r.active[userID] = h
	if prev != nil && prev != h {
		slog.Info("Presence replaced", "user_id", userID, "connection_id", h.ID(), "previous_connection_id", prev.ID())
		return prev
	}
	slog.Info("Presence registered", "user_id", userID, "connection_id", h.ID())
	return nil
}

// Lookup returns the handle registered for userID.
func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.active[userID]
	return h, ok
}

// Unregister removes whichever user is mapped to h. A handle that has already been
// replaced matches nothing, so the newer mapping survives.
func (r *Registry) Unregister(h Handle) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for userID, current := range r.active {
		if current == h {
			delete(r.active, userID)
			slog.Info("Presence unregistered", "user_id", userID, "connection_id", h.ID())
			return userID, true
		}
	}
	return "", false
}

// Online returns a snapshot of all entries ordered by user id.
func (r *Registry) Online() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.active))
	for userID, h := range r.active {
		entries = append(entries, Entry{UserID: userID, ConnectionID: h.ID()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries
}

// Len returns the number of online users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// Close drops every entry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = make(map[string]Handle)
}
