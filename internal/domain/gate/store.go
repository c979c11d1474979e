package gate

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// MinPasswordLength is the shortest password accepted by Set.
	MinPasswordLength = 6
	// BootstrapPassword is accepted only while no password file exists.
	BootstrapPassword = "admin123"
)

var ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLength)

// PasswordStore keeps the sha256 hex digest of the config password in a
// single-line file.
type PasswordStore struct {
	mu   sync.RWMutex
	path string
}

func NewPasswordStore(path string) *PasswordStore {
	return &PasswordStore{path: path}
}

// Path returns the location of the hash file.
func (s *PasswordStore) Path() string {
	return s.path
}

// Configured reports whether a password has ever been set.
func (s *PasswordStore) Configured() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat password file %s: %w", s.path, err)
}

// Set stores the hash of password, replacing any previous one.
func (s *PasswordStore) Set(password string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(password)
}

// SetIfUnconfigured stores password only when no password file exists. The
// check and the write happen under one lock, so of two racing first-time
// setups exactly one succeeds.
func (s *PasswordStore) SetIfUnconfigured(password string) (stored bool, err error) {
	if len(password) < MinPasswordLength {
		return false, ErrPasswordTooShort
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = os.Stat(s.path)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat password file %s: %w", s.path, err)
	}
	if err := s.write(password); err != nil {
		return false, err
	}
	return true, nil
}

// write replaces the hash file atomically. Callers hold mu.
func (s *PasswordStore) write(password string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create password directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".password-*")
	if err != nil {
		return fmt.Errorf("create temp password file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(hashPassword(password)); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp password file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp password file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp password file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace password file %s: %w", s.path, err)
	}
	return nil
}

// Verify checks password against the stored hash. While no hash file exists
// only BootstrapPassword matches, and bootstrap is true.
func (s *PasswordStore) Verify(password string) (ok bool, bootstrap bool, err error) {
	stored, exists, err := s.read()
	if err != nil {
		return false, false, err
	}
	if !exists {
		return subtle.ConstantTimeCompare([]byte(password), []byte(BootstrapPassword)) == 1, true, nil
	}
	if stored == "" {
		return false, false, fmt.Errorf("password file %s is empty", s.path)
	}
	return subtle.ConstantTimeCompare([]byte(hashPassword(password)), []byte(stored)) == 1, false, nil
}

// Fingerprint identifies the current password without revealing its hash.
// It changes whenever the password does.
func (s *PasswordStore) Fingerprint() string {
	stored, exists, err := s.read()
	if err != nil || !exists {
		return "bootstrap"
	}
	sum := sha256.Sum256([]byte("session:" + stored))
	return hex.EncodeToString(sum[:8])
}

func (s *PasswordStore) read() (hash string, exists bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read password file %s: %w", s.path, err)
	}
	return strings.TrimSpace(string(data)), true, nil
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
