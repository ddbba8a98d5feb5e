package dispatch

import (
	"errors"
	"sync"
	"time"
)

// ErrUnknownConfirmation is returned when a confirmation names no parked
// write, or one that has expired.
var ErrUnknownConfirmation = errors.New("unknown or expired confirmation")

const defaultPendingTTL = 5 * time.Minute

// pendingWrite is a Cautious write waiting for client approval. rel is the
// client path; it is resolved again when the write is approved.
type pendingWrite struct {
	rel     string
	content []byte
	expires time.Time
}

// pendingWrites holds parked writes per session, keyed by confirmation id.
type pendingWrites struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]map[string]pendingWrite
}

func newPendingWrites(ttl time.Duration) *pendingWrites {
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	return &pendingWrites{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]map[string]pendingWrite),
	}
}

// park stores a write under id, replacing any earlier one with the same id.
func (p *pendingWrites) park(sessionID, id, rel string, content []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.sweepLocked(now)

	writes, ok := p.sessions[sessionID]
	if !ok {
		writes = make(map[string]pendingWrite)
		p.sessions[sessionID] = writes
	}
	writes[id] = pendingWrite{
		rel:     rel,
		content: append([]byte(nil), content...),
		expires: now.Add(p.ttl),
	}
}

// take removes and returns the write parked under id.
func (p *pendingWrites) take(sessionID, id string) (pendingWrite, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepLocked(p.now())

	writes := p.sessions[sessionID]
	w, ok := writes[id]
	if !ok {
		return pendingWrite{}, ErrUnknownConfirmation
	}
	delete(writes, id)
	if len(writes) == 0 {
		delete(p.sessions, sessionID)
	}
	return w, nil
}

func (p *pendingWrites) forget(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.sessions[sessionID])
	delete(p.sessions, sessionID)
	return n
}

func (p *pendingWrites) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, writes := range p.sessions {
		n += len(writes)
	}
	return n
}

func (p *pendingWrites) sweepLocked(now time.Time) {
	for sessionID, writes := range p.sessions {
		for id, w := range writes {
			if now.After(w.expires) {
				delete(writes, id)
			}
		}
		if len(writes) == 0 {
			delete(p.sessions, sessionID)
		}
	}
}
