package reconcile

import (
	"sort"

	"agent-console/internal/session"
)

// SessionCache is the client's synchronously updated view of sessions. It
// is owned by the reconciler's goroutine.
type SessionCache struct {
	sessions map[string]session.Session

	// stale marks sessions a later authoritative list no longer carried.
	stale map[string]bool
}

func NewSessionCache() *SessionCache {
	return &SessionCache{
		sessions: make(map[string]session.Session),
		stale:    make(map[string]bool),
	}
}

func (c *SessionCache) Get(id string) (session.Session, bool) {
	s, ok := c.sessions[id]
	return s, ok
}

// Has reports whether id is cached, stale or not.
func (c *SessionCache) Has(id string) bool {
	_, ok := c.sessions[id]
	return ok
}

// Live reports whether id is cached and not stale.
func (c *SessionCache) Live(id string) bool {
	return c.Has(id) && !c.stale[id]
}

func (c *SessionCache) Stale(id string) bool {
	return c.stale[id]
}

// Put inserts or replaces a session and clears its stale mark.
func (c *SessionCache) Put(s session.Session) {
	c.sessions[s.ID] = s
	delete(c.stale, s.ID)
}

func (c *SessionCache) Delete(id string) {
	delete(c.sessions, id)
	delete(c.stale, id)
}

func (c *SessionCache) markStale(id string) {
	if c.Has(id) {
		c.stale[id] = true
	}
}

// List returns all cached sessions ordered by creation time, then id.
func (c *SessionCache) List() []session.Session {
	out := make([]session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *SessionCache) Len() int {
	return len(c.sessions)
}
