package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const SessionKey contextKey = "session"

var (
	errMissingHeader = errors.New("missing authorization header")
	errBadFormat     = errors.New("invalid authorization format")
)

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", errMissingHeader
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errBadFormat
	}
	return strings.TrimSpace(parts[1]), nil
}

// FromRequest returns the session carried by r, if any.
func (m *SessionManager) FromRequest(r *http.Request) (*SessionClaims, error) {
	tokenStr, err := BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	return m.Parse(tokenStr)
}

// SessionMiddleware rejects requests without a valid session with 401.
func SessionMiddleware(m *SessionManager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, err := m.FromRequest(c.Request())
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			attach(c, claims)
			return next(c)
		}
	}
}

// OptionalSession attaches a valid session when the request carries one and
// lets every request through.
func OptionalSession(m *SessionManager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if claims, err := m.FromRequest(c.Request()); err == nil {
				attach(c, claims)
			}
			return next(c)
		}
	}
}

func attach(c echo.Context, claims *SessionClaims) {
	c.Set(string(SessionKey), claims)
	ctx := context.WithValue(c.Request().Context(), SessionKey, claims)
	c.SetRequest(c.Request().WithContext(ctx))
}

// SessionFromContext returns the session stored by SessionMiddleware.
func SessionFromContext(ctx context.Context) *SessionClaims {
	v, _ := ctx.Value(SessionKey).(*SessionClaims)
	return v
}
