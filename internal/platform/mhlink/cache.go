package mhlink

import (
	"sync"
	"time"
)

// CachedToken is an upstream token with its local expiry.
type CachedToken struct {
	SiteKey   string
	Value     string
	ExpiresAt time.Time
}

// TokenCache holds one token per site key. It is safe for concurrent use.
type TokenCache struct {
	mu     sync.RWMutex
	tokens map[string]CachedToken
	now    func() time.Time
}

// NewTokenCache returns an empty cache using the wall clock.
func NewTokenCache() *TokenCache {
	return &TokenCache{tokens: make(map[string]CachedToken), now: time.Now}
}

// Get returns the token for key if it has not expired.
func (c *TokenCache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok, ok := c.tokens[key]
	if !ok || !c.now().Before(tok.ExpiresAt) {
		return "", false
	}
	return tok.Value, true
}

// Set stores value for key, expiring ttl from now.
func (c *TokenCache) Set(key, value string, ttl time.Duration) CachedToken {
	tok := CachedToken{SiteKey: key, Value: value, ExpiresAt: c.now().Add(ttl)}
	c.mu.Lock()
	c.tokens[key] = tok
	c.mu.Unlock()
	return tok
}

// Invalidate drops the token for key.
func (c *TokenCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.tokens, key)
	c.mu.Unlock()
}
