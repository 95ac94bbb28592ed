package peer

import (
	"sort"
	"sync"
	"time"
)

// Registry is the map of currently connected peers. It has its own lock so
// readers never wait on event processing.
type Registry struct {
	mu    sync.RWMutex
	peers map[ID]*entry
}

type entry struct {
	uid      string
	lastSeen time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[ID]*entry)}
}

// Add inserts or refreshes a peer. A non-empty uid replaces the stored one;
// an empty uid never clears a uid that was already learned.
func (r *Registry) Add(id ID, uid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok {
		e = &entry{}
		r.peers[id] = e
	}
	if uid != "" {
		e.uid = uid
	}
	e.lastSeen = time.Now()
}

// Remove deletes a peer and returns the uid it had. Removing an unknown
// peer is a no-op.
func (r *Registry) Remove(id ID) (uid string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok {
		return "", false
	}
	delete(r.peers, id)
	return e.uid, true
}

// Touch updates the last-seen time of a known peer.
func (r *Registry) Touch(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.peers[id]; ok {
		e.lastSeen = time.Now()
	}
}

// Has reports whether id is registered.
func (r *Registry) Has(id ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[id]
	return ok
}

// Count returns the number of registered peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// UID returns the uid recorded for id, or "" if unknown.
func (r *Registry) UID(id ID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.peers[id]; ok {
		return e.uid
	}
	return ""
}

// Lookup resolves a uid to a peer ID by linear scan. When several peers
// share a uid the lowest ID wins so the result is deterministic.
func (r *Registry) Lookup(uid string) (ID, bool) {
	if uid == "" {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		found ID
		ok    bool
	)
	for id, e := range r.peers {
		if e.uid == uid && (!ok || id < found) {
			found, ok = id, true
		}
	}
	return found, ok
}

// Snapshot returns every registered peer ordered by ID.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	out := make([]Peer, 0, len(r.peers))
	for id, e := range r.peers {
		out = append(out, Peer{ID: id, UID: e.uid, State: StateConnected, LastSeen: e.lastSeen})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
