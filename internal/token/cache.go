package token

import (
	"sync"
	"time"
)

// State is a read-only snapshot of the cache for diagnostics.
type State struct {
	// Valid reports what Get would have returned at the time of the
	// snapshot.
	Valid       bool
	HasToken    bool
	Invalidated bool
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Cache holds at most one token along with an explicit invalidation flag.
// It is the only writer of the cached token: all mutation goes through Set,
// Invalidate and InvalidateIfCurrent. No method performs I/O.
type Cache struct {
	mu          sync.RWMutex
	current     Token
	invalidated bool

	margin time.Duration
	now    func() time.Time
}

// NewCache creates an empty cache applying the given safety margin to expiry
// checks.
func NewCache(margin time.Duration) *Cache {
	return newCache(margin, time.Now)
}

func newCache(margin time.Duration, now func() time.Time) *Cache {
	return &Cache{
		margin: margin,
		now:    now,
	}
}

// Get returns the cached token if present, not invalidated and not expired
// according to the safety margin.
func (c *Cache) Get() (Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.current.IsZero() || c.invalidated {
		return Token{}, false
	}

	if c.current.ExpiredAt(c.now(), c.margin) {
		return Token{}, false
	}

	return c.current, true
}

// Set replaces the stored token and clears the invalidated flag.
func (c *Cache) Set(t Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = t
	c.invalidated = false
}

// Invalidate marks the stored token as unusable. The token itself is kept
// for Describe. Safe to call when the cache is empty.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.invalidated = true
}

// InvalidateIfCurrent invalidates the stored token only when its value
// matches. It reports whether the stored token is now invalidated. When the
// value has already been replaced, the newer token is left untouched.
func (c *Cache) InvalidateIfCurrent(value string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current.Value != value {
		return c.invalidated
	}

	c.invalidated = true
	return true
}

// Describe returns a snapshot of the cache state.
func (c *Cache) Describe() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasToken := !c.current.IsZero()

	return State{
		Valid:       hasToken && !c.invalidated && !c.current.ExpiredAt(c.now(), c.margin),
		HasToken:    hasToken,
		Invalidated: c.invalidated,
		IssuedAt:    c.current.IssuedAt,
		ExpiresAt:   c.current.ExpiresAt,
	}
}
