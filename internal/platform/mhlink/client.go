package mhlink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultTokenTTL is the cache lifetime used until SetTokenTTL is called.
const DefaultTokenTTL = 30 * time.Minute

const maxResponseBytes = 32 << 20

// Target is the connection data of one site.
type Target struct {
	Name        string
	BaseURL     string
	Username    string
	Password    string
	TokenURL    string
	PatientsURL string
}

// Key identifies the target in the token cache.
func (t Target) Key() string { return t.BaseURL }

func (t Target) label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.BaseURL
}

// ResolveURL returns path unchanged when it starts with "http", otherwise
// joins it to base with exactly one slash.
func ResolveURL(base, path string) string {
	if strings.HasPrefix(path, "http") {
		return path
	}
	base = strings.TrimRight(base, "/")
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for upstream calls.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTokenTTL sets the initial token cache lifetime.
func WithTokenTTL(d time.Duration) ClientOption {
	return func(c *Client) { c.SetTokenTTL(d) }
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// Client exchanges site credentials for tokens and fetches patient
// listings with them.
type Client struct {
	http   *http.Client
	cache  *TokenCache
	group  singleflight.Group
	ttl    atomic.Int64
	logger zerolog.Logger
}

// NewClient returns a Client storing tokens in cache.
func NewClient(cache *TokenCache, opts ...ClientOption) *Client {
	c := &Client{
		http:   &http.Client{Timeout: 30 * time.Second},
		cache:  cache,
		logger: zerolog.Nop(),
	}
	c.ttl.Store(int64(DefaultTokenTTL))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTokenTTL changes the lifetime applied to newly acquired tokens.
// Non-positive values are ignored.
func (c *Client) SetTokenTTL(d time.Duration) {
	if d > 0 {
		c.ttl.Store(int64(d))
	}
}

// TokenTTL returns the lifetime applied to newly acquired tokens.
func (c *Client) TokenTTL() time.Duration {
	return time.Duration(c.ttl.Load())
}

// GetToken returns a cached token for t or acquires a new one. Concurrent
// acquisitions for the same site share one upstream request. The shared
// request is not tied to any one caller's cancellation; each caller stops
// waiting when its own ctx ends, and the HTTP client timeout bounds the
// exchange.
func (c *Client) GetToken(ctx context.Context, t Target) (string, error) {
	if tok, ok := c.cache.Get(t.Key()); ok {
		return tok, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(t.Key(), func() (any, error) {
		if tok, ok := c.cache.Get(t.Key()); ok {
			return tok, nil
		}
		tok, err := c.exchange(shared, t)
		if err != nil {
			return "", err
		}
		cached := c.cache.Set(t.Key(), tok, c.TokenTTL())
		c.logger.Debug().Str("site", t.label()).Time("expires_at", cached.ExpiresAt).Msg("token acquired")
		return tok, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", &TransportError{Site: t.label(), URL: ResolveURL(t.BaseURL, t.TokenURL), Err: ctx.Err()}
	}
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (c *Client) exchange(ctx context.Context, t Target) (string, error) {
	if t.Username == "" || t.Password == "" {
		return "", &AuthError{Site: t.label(), Message: "missing credentials"}
	}
	if t.TokenURL == "" {
		return "", &AuthError{Site: t.label(), Message: "token URL is not configured"}
	}

	url := ResolveURL(t.BaseURL, t.TokenURL)
	payload, err := json.Marshal(tokenRequest{Username: t.Username, Password: t.Password})
	if err != nil {
		return "", fmt.Errorf("encode token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", &TransportError{Site: t.label(), URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	status, body, err := c.do(req)
	if err != nil {
		return "", &TransportError{Site: t.label(), URL: url, Err: err}
	}
	if status < 200 || status > 299 {
		return "", &AuthError{Site: t.label(), Status: status, Message: tokenErrorMessage(status, body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", &ParseError{Site: t.label(), URL: url, Err: err}
	}
	if tr.Token == "" {
		return "", &AuthError{Site: t.label(), Status: status, Message: "token missing from authentication response"}
	}
	return tr.Token, nil
}

// FetchPatients returns the raw JSON body of the site's patients endpoint.
// A 401 invalidates the cached token and retries exactly once with a fresh
// one.
func (c *Client) FetchPatients(ctx context.Context, t Target) (json.RawMessage, error) {
	if t.PatientsURL == "" {
		return nil, &UpstreamError{Site: t.label(), Message: "patients URL is not configured"}
	}
	url := ResolveURL(t.BaseURL, t.PatientsURL)

	token, err := c.GetToken(ctx, t)
	if err != nil {
		return nil, err
	}
	status, body, err := c.getPatients(ctx, url, token)
	if err != nil {
		return nil, &TransportError{Site: t.label(), URL: url, Err: err}
	}

	if status == http.StatusUnauthorized {
		c.logger.Info().Str("site", t.label()).Msg("patients endpoint rejected token, re-authenticating")
		c.cache.Invalidate(t.Key())
		token, err = c.GetToken(ctx, t)
		if err != nil {
			return nil, err
		}
		status, body, err = c.getPatients(ctx, url, token)
		if err != nil {
			return nil, &TransportError{Site: t.label(), URL: url, Err: err}
		}
	}

	if status < 200 || status > 299 {
		return nil, &UpstreamError{Site: t.label(), Status: status, Message: patientsErrorMessage(status, body)}
	}
	if !json.Valid(body) {
		return nil, &ParseError{Site: t.label(), URL: url, Err: errors.New("response body is not valid JSON")}
	}
	return json.RawMessage(body), nil
}

func (c *Client) getPatients(ctx context.Context, url, token string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Token "+token)
	return c.do(req)
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}
