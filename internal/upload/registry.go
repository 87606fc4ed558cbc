package upload

import (
	"sort"
	"sync"
)

// Registry owns the id → session mapping for one engine. It is the only state
// shared between sessions, so insert and remove form its critical section.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers s under its id. A second session with the same id is a protocol violation.
func (r *Registry) Create(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return newError(KindProtocol, s.ID, ErrDuplicateSession)
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deregisters id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions ordered by id.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

// PathClaims tracks which destination files have a live session writing them, so
// bytes from two sessions never interleave in one file. One set is shared by every
// engine writing to the same directories.
type PathClaims struct {
	mu     sync.Mutex
	owners map[string]*Session
}

func NewPathClaims() *PathClaims {
	return &PathClaims{owners: make(map[string]*Session)}
}

// Claim reserves path for s. It reports false when another session holds it.
func (c *PathClaims) Claim(path string, s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if owner, held := c.owners[path]; held && owner != s {
		return false
	}
	c.owners[path] = s
	return true
}

// Release frees path if s holds it.
func (c *PathClaims) Release(path string, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.owners[path] == s {
		delete(c.owners, path)
	}
}

// Held reports whether a session is writing path.
func (c *PathClaims) Held(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, held := c.owners[path]
	return held
}
