// Package session tracks the live connection behind each session
// identifier so asynchronously computed responses can be routed back.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/mcpserver/internal/logger"
)

// ErrSessionNotFound is returned by Lookup for unknown or removed sessions.
var ErrSessionNotFound = errors.New("session not found")

// Frame is one outbound websocket message.
type Frame struct {
	Binary bool
	Data   []byte
}

// Channel is the sending half of a connection.
type Channel interface {
	// Send queues a frame for delivery. It must not block on the network.
	Send(frame Frame) error
	// Close shuts the connection down.
	Close()
}

// Session is one live, authenticated connection.
type Session struct {
	ID        string
	ConnID    string
	Channel   Channel
	CreatedAt time.Time
}

// Registry maps session identifiers to their current connection. It never
// closes channels; a superseded connection is shut down by its own handler.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add registers ch under id. An entry it replaces is returned as prev so the
// caller can close it; the registry never closes channels itself.
func (r *Registry) Add(id string, ch Channel) (sess, prev *Session) {
	sess = &Session{
		ID:        id,
		ConnID:    uuid.NewString(),
		Channel:   ch,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	prev = r.sessions[id]
	r.sessions[id] = sess
	r.mu.Unlock()

	if prev != nil {
		logger.Info("Session %s replaced (connection %s superseded by %s)", id, prev.ConnID, sess.ConnID)
	}
	return sess, prev
}

// Remove deletes the entry for id, whichever connection it belongs to.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Release removes sess only if it is still the registered connection for
// its identifier. It reports whether an entry was removed.
func (r *Registry) Release(sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[sess.ID]
	if !ok || current.ConnID != sess.ConnID {
		return false
	}
	delete(r.sessions, sess.ID)
	return true
}

// Lookup returns the channel currently registered for id.
func (r *Registry) Lookup(id string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.Channel, nil
}

// Get returns the session registered for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the live session identifiers, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}
