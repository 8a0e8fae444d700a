// Package sigcache caches extended-thinking block signatures. Claude Code
// strips the signature field off thinking blocks before re-sending a
// transcript, but the vendor API needs it for conversation continuity —
// this lets the preparer splice the last-seen signature back in before the
// next turn goes out.
package sigcache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	signatureTTL  = 1 * time.Hour
	maxPerSession = 100
	cleanupPeriod = 10 * time.Minute
)

type entry struct {
	signature string
	sessionID string
	expiresAt time.Time
}

// Cache is a TTL'd, per-session capacity-bounded signature store. Safe for
// concurrent use; the process runs one as a singleton.
type Cache struct {
	mu       sync.RWMutex
	items    map[string]entry
	sessions map[string]int

	stop chan struct{}
}

// New starts the background cleanup loop and returns a ready Cache. Call
// Close to stop the loop.
func New() *Cache {
	c := &Cache{
		items:    make(map[string]entry),
		sessions: make(map[string]int),
		stop:     make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Close stops the background cleanup loop.
func (c *Cache) Close() { close(c.stop) }

// Store caches a signature for (sessionID, thinkingText), dropping the
// write if the session is already at its 100-entry cap.
func (c *Cache) Store(sessionID, thinkingText, signature string) {
	if signature == "" {
		return
	}
	key := signatureKey(sessionID, thinkingText)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		if c.sessions[sessionID] >= maxPerSession {
			return
		}
		c.sessions[sessionID]++
	}
	c.items[key] = entry{
		signature: signature,
		sessionID: sessionID,
		expiresAt: time.Now().Add(signatureTTL),
	}
}

// Lookup returns the cached signature, or "" if absent or expired.
func (c *Cache) Lookup(sessionID, thinkingText string) string {
	key := signatureKey(sessionID, thinkingText)

	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		return ""
	}
	return e.signature
}

func signatureKey(sessionID, thinkingText string) string {
	h := sha256.Sum256([]byte(sessionID + ":" + thinkingText))
	return hex.EncodeToString(h[:])
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(cleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *Cache) cleanup() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.items {
		if now.After(e.expiresAt) {
			delete(c.items, key)
			if e.sessionID != "" {
				c.sessions[e.sessionID]--
				if c.sessions[e.sessionID] <= 0 {
					delete(c.sessions, e.sessionID)
				}
			}
		}
	}
}
