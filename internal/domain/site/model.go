package site

import (
	"strings"
	"time"
)

// DefaultTokenRefreshMinutes is used when the document carries no positive
// tokenRefreshInterval.
const DefaultTokenRefreshMinutes = 30

// Site holds the credentials and endpoints of one upstream deployment.
// BaseURL identifies the site.
type Site struct {
	Name        string `json:"name"`
	BaseURL     string `json:"baseUrl"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TokenURL    string `json:"tokenUrl"`
	PatientsURL string `json:"patientsUrl"`
}

// Key returns the identity of the site.
func (s Site) Key() string {
	return s.BaseURL
}

// HasCredentials reports whether both username and password are set.
func (s Site) HasCredentials() bool {
	return s.Username != "" && s.Password != ""
}

// IsBlank reports whether every field is empty, which is how the
// configuration form represents an unfilled row.
func (s Site) IsBlank() bool {
	return strings.TrimSpace(s.Name+s.BaseURL+s.Username+s.Password+s.TokenURL+s.PatientsURL) == ""
}

// Summary is the credential-free view of a site.
type Summary struct {
	Name        string `json:"name"`
	BaseURL     string `json:"baseUrl"`
	HasUsername bool   `json:"hasUsername"`
	HasPassword bool   `json:"hasPassword"`
}

// Summarize returns the credential-free view of s.
func (s Site) Summarize() Summary {
	return Summary{
		Name:        s.Name,
		BaseURL:     s.BaseURL,
		HasUsername: s.Username != "",
		HasPassword: s.Password != "",
	}
}

// Document is the persisted configuration file.
type Document struct {
	Sites                []Site `json:"sites"`
	TokenRefreshInterval int    `json:"tokenRefreshInterval"`
}

// RefreshMinutes returns the token refresh interval in minutes, falling back
// to DefaultTokenRefreshMinutes.
func (d *Document) RefreshMinutes() int {
	if d == nil || d.TokenRefreshInterval <= 0 {
		return DefaultTokenRefreshMinutes
	}
	return d.TokenRefreshInterval
}

// TokenTTL is the cache lifetime of upstream tokens.
func (d *Document) TokenTTL() time.Duration {
	return time.Duration(d.RefreshMinutes()) * time.Minute
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return &Document{Sites: []Site{}, TokenRefreshInterval: DefaultTokenRefreshMinutes}
	}
	sites := make([]Site, len(d.Sites))
	copy(sites, d.Sites)
	return &Document{Sites: sites, TokenRefreshInterval: d.TokenRefreshInterval}
}

// Find returns the site with the given base URL.
func (d *Document) Find(baseURL string) (Site, bool) {
	for _, s := range d.Sites {
		if s.BaseURL == baseURL {
			return s, true
		}
	}
	return Site{}, false
}
