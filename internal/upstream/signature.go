package upstream

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// SignatureCache keeps upstream thought signatures keyed by content hash so
// thinking blocks stay attributable across sticky-session turns.
type SignatureCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]sigEntry
	now     func() time.Time
}

type sigEntry struct {
	signature string
	expiresAt time.Time
}

// NewSignatureCache creates a cache with the given entry TTL.
func NewSignatureCache(ttl time.Duration) *SignatureCache {
	return &SignatureCache{ttl: ttl, entries: make(map[string]sigEntry), now: time.Now}
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:16])
}

// Put stores a signature for the given thinking content.
func (c *SignatureCache) Put(content, signature string) {
	if signature == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[hashContent(content)] = sigEntry{signature: signature, expiresAt: c.now().Add(c.ttl)}
}

// Get returns the cached signature for content, if still live.
func (c *SignatureCache) Get(content string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hashContent(content)]
	if !ok || !e.expiresAt.After(c.now()) {
		delete(c.entries, hashContent(content))
		return "", false
	}
	return e.signature, true
}

// Sweep drops expired entries.
func (c *SignatureCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, k)
		}
	}
}
