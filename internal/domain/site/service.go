package site

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when no site has the requested base URL.
var ErrNotFound = errors.New("site not found")

// ValidationError describes a rejected site list.
type ValidationError struct {
	Index   int
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("site %d: %s: %s", e.Index+1, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// TokenInvalidator drops cached upstream tokens for a site key.
type TokenInvalidator interface {
	Invalidate(siteKey string)
}

type Service struct {
	repo   Repository
	tokens TokenInvalidator
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With().Str("component", "sites").Logger()}
}

// SetTokenInvalidator attaches the token cache so edits to a site's
// credentials or endpoints drop its cached token.
func (s *Service) SetTokenInvalidator(t TokenInvalidator) {
	s.tokens = t
}

// Document returns the current configuration document.
func (s *Service) Document(ctx context.Context) (*Document, error) {
	return s.repo.Load(ctx)
}

// List returns the configured sites in display order.
func (s *Service) List(ctx context.Context) ([]Site, error) {
	doc, err := s.repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Sites, nil
}

// Summaries returns the credential-free view of every site.
func (s *Service) Summaries(ctx context.Context) ([]Summary, error) {
	sites, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(sites))
	for _, st := range sites {
		out = append(out, st.Summarize())
	}
	return out, nil
}

// Get returns the site with the given base URL.
func (s *Service) Get(ctx context.Context, baseURL string) (Site, error) {
	doc, err := s.repo.Load(ctx)
	if err != nil {
		return Site{}, err
	}
	st, ok := doc.Find(baseURL)
	if !ok {
		return Site{}, ErrNotFound
	}
	return st, nil
}

// Replace rewrites the whole site list. Blank rows are dropped. When
// refreshMinutes is nil the stored token refresh interval is kept.
func (s *Service) Replace(ctx context.Context, sites []Site, refreshMinutes *int) (*Document, error) {
	current, err := s.repo.Load(ctx)
	if err != nil {
		return nil, err
	}

	cleaned := make([]Site, 0, len(sites))
	for _, st := range sites {
		if st.IsBlank() {
			continue
		}
		cleaned = append(cleaned, normalize(st))
	}
	if err := validate(cleaned); err != nil {
		return nil, err
	}

	next := &Document{Sites: cleaned, TokenRefreshInterval: current.RefreshMinutes()}
	if refreshMinutes != nil {
		if *refreshMinutes <= 0 {
			return nil, &ValidationError{Index: -1, Field: "tokenRefreshInterval", Message: "must be a positive number of minutes"}
		}
		next.TokenRefreshInterval = *refreshMinutes
	}

	if err := s.repo.Save(ctx, next); err != nil {
		return nil, err
	}
	s.invalidateChanged(current, next)
	s.logger.Info().Int("sites", len(next.Sites)).Msg("site configuration saved")
	return next, nil
}

// Upsert adds st, or replaces the site sharing its base URL. It reports
// whether a new site was created.
func (s *Service) Upsert(ctx context.Context, st Site) (bool, error) {
	doc, err := s.repo.Load(ctx)
	if err != nil {
		return false, err
	}
	st = normalize(st)

	sites := make([]Site, 0, len(doc.Sites)+1)
	created := true
	for _, existing := range doc.Sites {
		if existing.BaseURL == st.BaseURL {
			sites = append(sites, st)
			created = false
			continue
		}
		sites = append(sites, existing)
	}
	if created {
		sites = append(sites, st)
	}

	if _, err := s.Replace(ctx, sites, nil); err != nil {
		return false, err
	}
	return created, nil
}

// Delete removes the site with the given base URL.
func (s *Service) Delete(ctx context.Context, baseURL string) error {
	doc, err := s.repo.Load(ctx)
	if err != nil {
		return err
	}
	sites := make([]Site, 0, len(doc.Sites))
	found := false
	for _, existing := range doc.Sites {
		if existing.BaseURL == baseURL {
			found = true
			continue
		}
		sites = append(sites, existing)
	}
	if !found {
		return ErrNotFound
	}
	_, err = s.Replace(ctx, sites, nil)
	return err
}

func (s *Service) invalidateChanged(before, after *Document) {
	if s.tokens == nil {
		return
	}
	for _, old := range before.Sites {
		updated, ok := after.Find(old.BaseURL)
		if !ok || updated != old {
			s.tokens.Invalidate(old.BaseURL)
		}
	}
}

func normalize(st Site) Site {
	st.Name = strings.TrimSpace(st.Name)
	st.BaseURL = strings.TrimSpace(st.BaseURL)
	st.Username = strings.TrimSpace(st.Username)
	st.TokenURL = strings.TrimSpace(st.TokenURL)
	st.PatientsURL = strings.TrimSpace(st.PatientsURL)
	if st.Name == "" {
		if u, err := url.Parse(st.BaseURL); err == nil && u.Host != "" {
			st.Name = u.Host
		}
	}
	return st
}

func validate(sites []Site) error {
	seen := make(map[string]int, len(sites))
	for i, st := range sites {
		if st.BaseURL == "" {
			return &ValidationError{Index: i, Field: "baseUrl", Message: "is required"}
		}
		if err := validateAbsoluteURL(st.BaseURL); err != nil {
			return &ValidationError{Index: i, Field: "baseUrl", Message: err.Error()}
		}
		if prev, dup := seen[st.BaseURL]; dup {
			return &ValidationError{Index: i, Field: "baseUrl", Message: fmt.Sprintf("duplicates site %d", prev+1)}
		}
		seen[st.BaseURL] = i

		if st.TokenURL == "" {
			return &ValidationError{Index: i, Field: "tokenUrl", Message: "is required"}
		}
		if st.PatientsURL == "" {
			return &ValidationError{Index: i, Field: "patientsUrl", Message: "is required"}
		}
	}
	return nil
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url must include a host")
	}
	return nil
}
