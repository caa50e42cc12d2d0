package transport

import (
	"sync"
	"time"

	tls "github.com/sardanioss/utls"
)

// SessionMaxAge is how long a resumption ticket is offered. Servers
// usually expire tickets after one or two days.
const SessionMaxAge = 24 * time.Hour

const defaultMaxSessions = 256

// SessionCache is a tls.ClientSessionCache shared by the connections of
// one tier, so repeat handshakes to a host can resume.
type SessionCache struct {
	mu       sync.Mutex
	sessions map[string]*cachedSession
	max      int
	now      func() time.Time
}

type cachedSession struct {
	state     *tls.ClientSessionState
	createdAt time.Time
}

// NewSessionCache returns an empty cache holding at most max sessions; a
// non-positive max means the default.
func NewSessionCache(max int) *SessionCache {
	if max <= 0 {
		max = defaultMaxSessions
	}
	return &SessionCache{
		sessions: make(map[string]*cachedSession),
		max:      max,
		now:      time.Now,
	}
}

// Get implements tls.ClientSessionCache.
func (c *SessionCache) Get(key string) (*tls.ClientSessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(s.createdAt) > SessionMaxAge {
		delete(c.sessions, key)
		return nil, false
	}
	return s.state, true
}

// Put implements tls.ClientSessionCache. A nil state removes the key.
func (c *SessionCache) Put(key string, cs *tls.ClientSessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cs == nil {
		delete(c.sessions, key)
		return
	}
	if _, ok := c.sessions[key]; !ok && len(c.sessions) >= c.max {
		c.evictOldest()
	}
	c.sessions[key] = &cachedSession{state: cs, createdAt: c.now()}
}

func (c *SessionCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, s := range c.sessions {
		if oldestKey == "" || s.createdAt.Before(oldest) {
			oldestKey, oldest = k, s.createdAt
		}
	}
	delete(c.sessions, oldestKey)
}

// Len returns the number of cached sessions.
func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
