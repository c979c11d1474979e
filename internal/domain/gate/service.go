package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mhlink/kpi/internal/platform/auth"
)

// ErrSessionRequired is returned when a configured password is changed
// without a valid session.
var ErrSessionRequired = errors.New("a valid session is required to change the password")

// Sessions issues and verifies config-gate sessions.
type Sessions interface {
	Issue() (string, time.Time, error)
	Revoke(claims *auth.SessionClaims)
}

// VerifyResult is the outcome of a password check.
type VerifyResult struct {
	Valid     bool       `json:"valid"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Bootstrap bool       `json:"bootstrap,omitempty"`
}

type Service struct {
	store    *PasswordStore
	sessions Sessions
	logger   zerolog.Logger
}

func NewService(store *PasswordStore, sessions Sessions, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		sessions: sessions,
		logger:   logger.With().Str("component", "gate").Logger(),
	}
}

// CheckBootstrap logs a warning when the default password is still active.
func (s *Service) CheckBootstrap() {
	configured, err := s.store.Configured()
	if err != nil {
		s.logger.Error().Err(err).Msg("cannot read password file")
		return
	}
	if !configured {
		s.logger.Warn().
			Str("password_file", s.store.Path()).
			Msg("no config password set: BOOTSTRAP MODE, the default password is accepted until one is set")
	}
}

func (s *Service) IsConfigured() (bool, error) {
	return s.store.Configured()
}

// SetPassword stores a new password. Without a session it only succeeds
// while no password exists; the caller is responsible for verifying a
// non-nil session. Every outstanding session becomes invalid afterwards.
func (s *Service) SetPassword(password string, session *auth.SessionClaims) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}

	if session == nil {
		stored, err := s.store.SetIfUnconfigured(password)
		if err != nil {
			return fmt.Errorf("store password: %w", err)
		}
		if !stored {
			return ErrSessionRequired
		}
		s.logger.Warn().Msg("config password set, leaving bootstrap mode")
		return nil
	}

	configured, err := s.store.Configured()
	if err != nil {
		return err
	}
	if err := s.store.Set(password); err != nil {
		return fmt.Errorf("store password: %w", err)
	}
	if configured {
		s.logger.Info().Msg("config password changed, existing sessions invalidated")
	} else {
		s.logger.Warn().Msg("config password set, leaving bootstrap mode")
	}
	return nil
}

// Verify checks password and issues a session when it matches.
func (s *Service) Verify(password string) (*VerifyResult, error) {
	ok, bootstrap, err := s.store.Verify(password)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Warn().Bool("bootstrap", bootstrap).Msg("config password rejected")
		return &VerifyResult{Valid: false}, nil
	}
	if bootstrap {
		s.logger.Warn().Msg("config unlocked with the BOOTSTRAP default password; set a real password")
	}

	token, exp, err := s.sessions.Issue()
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Valid: true, Token: token, ExpiresAt: &exp, Bootstrap: bootstrap}, nil
}

// Logout revokes the given session.
func (s *Service) Logout(session *auth.SessionClaims) {
	s.sessions.Revoke(session)
}
