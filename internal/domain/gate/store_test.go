package gate

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *PasswordStore {
	t.Helper()
	return NewPasswordStore(filepath.Join(t.TempDir(), "config", ".config-password"))
}

func TestPasswordStore_Bootstrap(t *testing.T) {
	s := newTestStore(t)

	configured, err := s.Configured()
	if err != nil {
		t.Fatal(err)
	}
	if configured {
		t.Fatal("expected unconfigured store")
	}

	ok, bootstrap, err := s.Verify(BootstrapPassword)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !bootstrap {
		t.Errorf("expected bootstrap password to be accepted, got ok=%v bootstrap=%v", ok, bootstrap)
	}
	if ok, _, _ := s.Verify("something-else"); ok {
		t.Error("expected other passwords to be rejected in bootstrap mode")
	}
	if s.Fingerprint() != "bootstrap" {
		t.Errorf("unexpected fingerprint %q", s.Fingerprint())
	}
}

func TestPasswordStore_SetAndVerify(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set("s3cret!"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(strings.TrimSpace(string(data))) != 64 {
		t.Errorf("expected a 64-char hex digest, got %q", data)
	}
	info, _ := os.Stat(s.Path())
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	ok, bootstrap, err := s.Verify("s3cret!")
	if err != nil || !ok || bootstrap {
		t.Errorf("expected stored password to verify, got ok=%v bootstrap=%v err=%v", ok, bootstrap, err)
	}
	if ok, _, _ := s.Verify(BootstrapPassword); ok {
		t.Error("expected bootstrap password to be rejected once configured")
	}
}

func TestPasswordStore_ReadsExistingHash(t *testing.T) {
	s := newTestStore(t)
	os.MkdirAll(filepath.Dir(s.Path()), 0o700)
	// sha256 of "admin456" with a trailing newline, as written by other tools.
	hash := hashPassword("admin456")
	if err := os.WriteFile(s.Path(), []byte(hash+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if ok, _, err := s.Verify("admin456"); err != nil || !ok {
		t.Errorf("expected existing hash to verify, got ok=%v err=%v", ok, err)
	}
}

func TestPasswordStore_EmptyFile(t *testing.T) {
	s := newTestStore(t)
	os.MkdirAll(filepath.Dir(s.Path()), 0o700)
	os.WriteFile(s.Path(), nil, 0o600)

	if ok, _, err := s.Verify(BootstrapPassword); ok || err == nil {
		t.Errorf("expected an empty password file to reject everything, got ok=%v err=%v", ok, err)
	}
}

func TestPasswordStore_TooShort(t *testing.T) {
	s := newTestStore(t)
	if err := s.Set("12345"); !errors.Is(err, ErrPasswordTooShort) {
		t.Errorf("expected ErrPasswordTooShort, got %v", err)
	}
	if configured, _ := s.Configured(); configured {
		t.Error("expected no password file after a rejected Set")
	}
}

func TestPasswordStore_FingerprintChanges(t *testing.T) {
	s := newTestStore(t)
	s.Set("first-password")
	first := s.Fingerprint()
	s.Set("second-password")
	if s.Fingerprint() == first {
		t.Error("expected fingerprint to change with the password")
	}
	if strings.Contains(first, hashPassword("first-password")[:16]) {
		t.Error("fingerprint must not expose the stored hash")
	}
}

func TestPasswordStore_SetIfUnconfigured(t *testing.T) {
	s := newTestStore(t)

	stored, err := s.SetIfUnconfigured("first-pass")
	if err != nil || !stored {
		t.Fatalf("expected first setup to store, got stored=%v err=%v", stored, err)
	}
	stored, err = s.SetIfUnconfigured("second-pass")
	if err != nil || stored {
		t.Fatalf("expected second setup to be refused, got stored=%v err=%v", stored, err)
	}
	if ok, _, _ := s.Verify("first-pass"); !ok {
		t.Error("expected the first password to remain")
	}
	if _, err := s.SetIfUnconfigured("abc"); !errors.Is(err, ErrPasswordTooShort) {
		t.Errorf("expected ErrPasswordTooShort, got %v", err)
	}
}
