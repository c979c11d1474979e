package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// SessionSubject is the subject of every config-gate session.
	SessionSubject = "config-admin"
	// DefaultSessionTTL applies when the manager is built without WithTTL.
	DefaultSessionTTL = time.Hour
	defaultIssuer     = "kpi-server"
)

var (
	ErrInvalidSession = errors.New("invalid session")
	ErrSessionRevoked = errors.New("session revoked")
)

// SessionClaims are the claims carried by a config-gate session token.
// Binding ties the token to the password that was current when it was
// issued; changing the password invalidates every outstanding session.
type SessionClaims struct {
	jwt.RegisteredClaims
	Binding string `json:"bnd,omitempty"`
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithTTL sets the lifetime of issued sessions.
func WithTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) SessionOption {
	return func(m *SessionManager) { m.issuer = issuer }
}

// WithBinding sets the function whose value is embedded at issue time and
// must still match at parse time.
func WithBinding(fn func() string) SessionOption {
	return func(m *SessionManager) { m.binding = fn }
}

// WithRevocations attaches a revocation list consulted on every Parse.
func WithRevocations(r *RevocationList) SessionOption {
	return func(m *SessionManager) { m.revoked = r }
}

// SessionManager issues and verifies HS256 session tokens for the config gate.
type SessionManager struct {
	key     []byte
	ttl     time.Duration
	issuer  string
	binding func() string
	revoked *RevocationList
	now     func() time.Time
}

func NewSessionManager(key []byte, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		key:    key,
		ttl:    DefaultSessionTTL,
		issuer: defaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the lifetime of issued sessions.
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Issue signs a new session token.
func (m *SessionManager) Issue() (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(m.ttl)
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   SessionSubject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if m.binding != nil {
		claims.Binding = m.binding()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse verifies a session token and returns its claims.
func (m *SessionManager) Parse(tokenStr string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return m.key, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(m.issuer),
		jwt.WithSubject(SessionSubject),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidSession
	}
	if m.binding != nil && claims.Binding != m.binding() {
		return nil, ErrInvalidSession
	}
	if m.revoked != nil && m.revoked.IsRevoked(claims.ID) {
		return nil, ErrSessionRevoked
	}
	return claims, nil
}

// Revoke ends a session before its natural expiry.
func (m *SessionManager) Revoke(claims *SessionClaims) {
	if m.revoked == nil || claims == nil || claims.ID == "" {
		return
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	m.revoked.Revoke(claims.ID, exp)
}

// ResolveSigningKey decodes a hex-encoded signing key or, when hexValue is
// empty, generates a random 32-byte key. The second return value is true
// when the key was generated.
func ResolveSigningKey(hexValue string) ([]byte, bool, error) {
	if hexValue != "" {
		decoded, err := hex.DecodeString(hexValue)
		if err != nil {
			return nil, false, fmt.Errorf("invalid SESSION_SIGNING_KEY hex value: %w", err)
		}
		if len(decoded) < 16 {
			return nil, false, fmt.Errorf("SESSION_SIGNING_KEY must be at least 16 bytes, got %d", len(decoded))
		}
		return decoded, false, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("failed to generate random session signing key: %w", err)
	}
	return key, true, nil
}
