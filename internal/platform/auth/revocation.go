package auth

import (
	"sync"
	"time"
)

// RevocationList remembers the IDs of sessions ended by logout until they
// would have expired anyway. Expired entries are pruned on every Revoke.
type RevocationList struct {
	mu      sync.RWMutex
	entries map[string]time.Time // jti -> natural expiry
	now     func() time.Time
}

func NewRevocationList() *RevocationList {
	return &RevocationList{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Revoke adds a session ID. A zero expiresAt keeps the entry until restart.
func (l *RevocationList) Revoke(jti string, expiresAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, exp := range l.entries {
		if !exp.IsZero() && now.After(exp) {
			delete(l.entries, id)
		}
	}
	l.entries[jti] = expiresAt
}

// IsRevoked checks if a session ID has been revoked.
func (l *RevocationList) IsRevoked(jti string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.entries[jti]
	return ok
}

// Count returns the number of tracked revocations.
func (l *RevocationList) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.entries)
}
