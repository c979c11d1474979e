package gate

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mhlink/kpi/internal/platform/auth"
)

// SessionReader extracts an optional session from a request.
type SessionReader interface {
	FromRequest(r *http.Request) (*auth.SessionClaims, error)
}

type Handler struct {
	svc      *Service
	sessions SessionReader
}

func NewHandler(svc *Service, sessions SessionReader) *Handler {
	return &Handler{svc: svc, sessions: sessions}
}

// RegisterRoutes mounts the gate endpoints. limit guards the password
// endpoints against guessing.
func (h *Handler) RegisterRoutes(public *echo.Group, gated *echo.Group, limit echo.MiddlewareFunc) {
	public.GET("/check-setup", h.CheckSetup)
	public.POST("/setup-password", h.SetupPassword, limit)
	public.POST("/verify-password", h.VerifyPassword, limit)

	gated.POST("/logout", h.Logout)
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (h *Handler) CheckSetup(c echo.Context) error {
	configured, err := h.svc.IsConfigured()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"isConfigured": configured})
}

func (h *Handler) SetupPassword(c echo.Context) error {
	var req passwordRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
	}

	// Only needed when a password already exists; an invalid or missing
	// session simply leaves claims nil.
	claims, _ := h.sessions.FromRequest(c.Request())

	err := h.svc.SetPassword(req.Password, claims)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]any{"success": true, "message": "Password configured"})
	case errors.Is(err, ErrPasswordTooShort):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrSessionRequired):
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (h *Handler) VerifyPassword(c echo.Context) error {
	var req passwordRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
	}
	res, err := h.svc.Verify(req.Password)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Logout(c echo.Context) error {
	h.svc.Logout(auth.SessionFromContext(c.Request().Context()))
	return c.NoContent(http.StatusNoContent)
}
