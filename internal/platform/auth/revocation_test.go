package auth

import (
	"sync"
	"testing"
	"time"
)

func TestRevoke_and_IsRevoked(t *testing.T) {
	l := NewRevocationList()

	jti := "token-abc-123"
	l.Revoke(jti, time.Now().Add(1*time.Hour))

	if !l.IsRevoked(jti) {
		t.Errorf("expected JTI %q to be revoked", jti)
	}
	if l.IsRevoked("unknown-jti") {
		t.Error("expected unknown JTI to not be revoked")
	}
}

func TestRevoke_PrunesExpired(t *testing.T) {
	l := NewRevocationList()
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Revoke("old", now.Add(time.Minute))
	l.Revoke("forever", time.Time{})

	now = now.Add(time.Hour)
	l.Revoke("new", now.Add(time.Minute))

	if l.IsRevoked("old") {
		t.Error("expected expired entry to be pruned")
	}
	if !l.IsRevoked("forever") || !l.IsRevoked("new") {
		t.Error("expected live entries to remain")
	}
	if l.Count() != 2 {
		t.Errorf("expected 2 entries, got %d", l.Count())
	}
}

func TestRevocationList_Concurrent(t *testing.T) {
	l := NewRevocationList()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jti := string(rune('a' + i%26))
			l.Revoke(jti, time.Now().Add(time.Hour))
			l.IsRevoked(jti)
		}(i)
	}
	wg.Wait()
	if l.Count() != 26 {
		t.Errorf("expected 26 entries, got %d", l.Count())
	}
}
