package site

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the public and the session-gated configuration
// endpoints.
func (h *Handler) RegisterRoutes(public *echo.Group, gated *echo.Group) {
	public.GET("/config-test", h.ConfigTest)

	gated.GET("/config-get", h.ConfigGet)
	gated.POST("/config-save", h.ConfigSave)
	gated.GET("/sites", h.ListSites)
	gated.PUT("/sites", h.UpsertSite)
	gated.DELETE("/sites", h.DeleteSite)
}

type configTestResponse struct {
	SitesCount int       `json:"sitesCount"`
	Sites      []Summary `json:"sites"`
}

func (h *Handler) ConfigTest(c echo.Context) error {
	summaries, err := h.svc.Summaries(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, configTestResponse{SitesCount: len(summaries), Sites: summaries})
}

func (h *Handler) ConfigGet(c echo.Context) error {
	doc, err := h.svc.Document(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to read config"})
	}
	return c.JSON(http.StatusOK, doc)
}

type saveRequest struct {
	Sites                json.RawMessage `json:"sites"`
	TokenRefreshInterval *int            `json:"tokenRefreshInterval"`
}

func (h *Handler) ConfigSave(c echo.Context) error {
	var req saveRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
	}
	var sites []Site
	if len(req.Sites) == 0 || req.Sites[0] != '[' {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid config format: sites must be an array"})
	}
	if err := json.Unmarshal(req.Sites, &sites); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid config format: " + err.Error()})
	}

	if _, err := h.svc.Replace(c.Request().Context(), sites, req.TokenRefreshInterval); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": verr.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to save config"})
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "message": "Configuration saved"})
}

func (h *Handler) ListSites(c echo.Context) error {
	sites, err := h.svc.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sites)
}

func (h *Handler) UpsertSite(c echo.Context) error {
	var st Site
	if err := c.Bind(&st); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if st.IsBlank() {
		return echo.NewHTTPError(http.StatusBadRequest, "site is empty")
	}
	created, err := h.svc.Upsert(c.Request().Context(), st)
	if err != nil {
		return siteError(err)
	}
	saved, err := h.svc.Get(c.Request().Context(), normalize(st).BaseURL)
	if err != nil {
		return siteError(err)
	}
	if created {
		return c.JSON(http.StatusCreated, saved)
	}
	return c.JSON(http.StatusOK, saved)
}

func (h *Handler) DeleteSite(c echo.Context) error {
	baseURL := c.QueryParam("baseUrl")
	if baseURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "baseUrl is required")
	}
	if err := h.svc.Delete(c.Request().Context(), baseURL); err != nil {
		return siteError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func siteError(err error) error {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "site not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
