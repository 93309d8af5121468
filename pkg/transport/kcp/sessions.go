package kcp

import "sync"

// sessionTable indexes sessions by conversation id and by peer endpoint.
// Both maps are only changed together, under one lock.
type sessionTable struct {
	mu         sync.RWMutex
	byConv     map[uint32]*Session
	byEndpoint map[string]*Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		byConv:     make(map[uint32]*Session),
		byEndpoint: make(map[string]*Session),
	}
}

func (t *sessionTable) add(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byConv[s.Conv()] = s
	t.byEndpoint[s.Endpoint()] = s
}

// remove deletes s from both indexes and reports whether it was present.
func (t *sessionTable) remove(s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byConv[s.Conv()] != s {
		return false
	}
	delete(t.byConv, s.Conv())
	if t.byEndpoint[s.Endpoint()] == s {
		delete(t.byEndpoint, s.Endpoint())
	}
	return true
}

func (t *sessionTable) conv(id uint32) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byConv[id]
}

func (t *sessionTable) endpoint(ep string) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byEndpoint[ep]
}

func (t *sessionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byConv)
}

func (t *sessionTable) snapshot() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.byConv))
	for _, s := range t.byConv {
		out = append(out, s)
	}
	return out
}

// clear empties both indexes and returns what they held.
func (t *sessionTable) clear() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.byConv))
	for _, s := range t.byConv {
		out = append(out, s)
	}
	t.byConv = make(map[uint32]*Session)
	t.byEndpoint = make(map[string]*Session)
	return out
}
