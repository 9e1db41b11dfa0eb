package chat

import "sync"

// Endpoint is the addressable handle for one open channel connection, the
// target of outbound events. Send must not block; it reports whether the
// event was accepted.
type Endpoint interface {
	ID() string
	Send(event Event) bool
}

// Presence is the process-wide map from user identity to at most one live
// endpoint. It is memory-only: a restart leaves every user offline until it
// re-announces join. Replace-then-insert happens under one lock, so a user
// can never be observed with two endpoints.
type Presence struct {
	mu        sync.RWMutex
	byUser    map[string]Endpoint
	userByEnd map[string]string // endpoint ID -> user ID
}

// NewPresence initialises an empty presence registry.
func NewPresence() *Presence {
	return &Presence{
		byUser:    make(map[string]Endpoint),
		userByEnd: make(map[string]string),
	}
}

// Join records the endpoint as the user's single live connection. Any
// previous endpoint for the same user is dropped first (last-writer-wins on
// reconnect).
func (p *Presence) Join(userID string, endpoint Endpoint) {
	if userID == "" || endpoint == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if previous, ok := p.byUser[userID]; ok {
		delete(p.userByEnd, previous.ID())
	}
	p.byUser[userID] = endpoint
	p.userByEnd[endpoint.ID()] = userID
}

// Lookup returns the user's live endpoint, or false when offline.
func (p *Presence) Lookup(userID string) (Endpoint, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	endpoint, ok := p.byUser[userID]
	return endpoint, ok
}

// Leave removes the entry owned by the endpoint, if any. Used on disconnect;
// a newer endpoint registered by the same user is left untouched.
func (p *Presence) Leave(endpoint Endpoint) {
	if endpoint == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	userID, ok := p.userByEnd[endpoint.ID()]
	if !ok {
		return
	}
	delete(p.userByEnd, endpoint.ID())
	if current, ok := p.byUser[userID]; ok && current.ID() == endpoint.ID() {
		delete(p.byUser, userID)
	}
}

// Len reports the number of users currently online.
func (p *Presence) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byUser)
}
