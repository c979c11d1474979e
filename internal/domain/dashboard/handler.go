package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mhlink/kpi/internal/domain/aggregator"
	"github.com/mhlink/kpi/internal/domain/patientcount"
	"github.com/mhlink/kpi/internal/platform/auth"
	"github.com/mhlink/kpi/internal/platform/mhlink"
	"github.com/mhlink/kpi/internal/platform/scheduling"
)

// RefreshController is the scheduled refresher as seen by the API.
type RefreshController interface {
	Trigger(trigger string) (<-chan error, error)
	Status() scheduling.Status
	Update(enabled bool, interval time.Duration) scheduling.Status
}

// Prober runs ad-hoc endpoint probes.
type Prober interface {
	Probe(ctx context.Context, req mhlink.ProbeRequest) (*mhlink.ProbeResult, error)
}

type Handler struct {
	svc       *Service
	refresher RefreshController
	prober    Prober
	counter   *patientcount.Normalizer
}

func NewHandler(svc *Service, refresher RefreshController, prober Prober) *Handler {
	return &Handler{
		svc:       svc,
		refresher: refresher,
		prober:    prober,
		counter:   patientcount.Probe(),
	}
}

// RegisterRoutes mounts the public summary and the session-gated controls.
// session runs on the summary route so that signed-in callers can ask for
// raw payloads; it must not reject anonymous requests.
func (h *Handler) RegisterRoutes(public *echo.Group, gated *echo.Group, session ...echo.MiddlewareFunc) {
	public.GET("/summary", h.Summary, session...)

	gated.POST("/refresh", h.Refresh)
	gated.GET("/refresh/settings", h.GetSettings)
	gated.PUT("/refresh/settings", h.UpdateSettings)
	gated.POST("/probe", h.Probe)
}

type summaryResponse struct {
	PassID     string                  `json:"passId,omitempty"`
	Trigger    string                  `json:"trigger,omitempty"`
	Results    []aggregator.SiteResult `json:"results"`
	Total      int                     `json:"total"`
	Failed     int                     `json:"failed"`
	LastUpdate *time.Time              `json:"lastUpdate"`
	Refresher  scheduling.Status       `json:"refresher"`
}

func (h *Handler) summary(withData bool) summaryResponse {
	resp := summaryResponse{Results: []aggregator.SiteResult{}, Refresher: h.refresher.Status()}
	pass, trigger := h.svc.Latest()
	if pass == nil {
		return resp
	}

	resp.PassID = pass.ID.String()
	resp.Trigger = trigger
	resp.Total = pass.Total
	resp.Failed = pass.Failed
	finished := pass.FinishedAt
	resp.LastUpdate = &finished
	resp.Results = make([]aggregator.SiteResult, len(pass.Results))
	copy(resp.Results, pass.Results)
	if !withData {
		for i := range resp.Results {
			resp.Results[i].Data = nil
		}
	}
	return resp
}

// includeData reports whether raw site payloads may be returned: the caller
// asked with ?include=data and holds a session.
func includeData(c echo.Context) bool {
	return c.QueryParam("include") == "data" && auth.SessionFromContext(c.Request().Context()) != nil
}

// Summary returns the latest pass. Raw site payloads are included only for
// signed-in callers with ?include=data.
func (h *Handler) Summary(c echo.Context) error {
	return c.JSON(http.StatusOK, h.summary(includeData(c)))
}

// Refresh starts a manual pass and waits for it.
func (h *Handler) Refresh(c echo.Context) error {
	done, err := h.refresher.Trigger(scheduling.TriggerManual)
	switch {
	case errors.Is(err, scheduling.ErrBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, scheduling.ErrStopped):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	select {
	case err := <-done:
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	case <-c.Request().Context().Done():
		// the pass keeps running; the client has gone
		return c.Request().Context().Err()
	}
	return c.JSON(http.StatusOK, h.summary(includeData(c)))
}

func (h *Handler) GetSettings(c echo.Context) error {
	return c.JSON(http.StatusOK, h.refresher.Status())
}

type settingsRequest struct {
	Enabled         *bool `json:"enabled"`
	IntervalSeconds *int  `json:"intervalSeconds"`
}

// UpdateSettings changes the refresher. Absent fields keep their value; the
// interval is clamped to the configured bounds.
func (h *Handler) UpdateSettings(c echo.Context) error {
	var req settingsRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	current := h.refresher.Status()
	enabled := current.Enabled
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	interval := time.Duration(current.IntervalSeconds) * time.Second
	if req.IntervalSeconds != nil {
		if *req.IntervalSeconds <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "intervalSeconds must be positive")
		}
		interval = time.Duration(*req.IntervalSeconds) * time.Second
	}
	return c.JSON(http.StatusOK, h.refresher.Update(enabled, interval))
}

type probeResponse struct {
	Status      int               `json:"status"`
	Count       int               `json:"count"`
	Rule        string            `json:"rule"`
	Shape       string            `json:"shape"`
	Data        json.RawMessage   `json:"data"`
	HeadersSent map[string]string `json:"headersSent"`
}

type probeErrorResponse struct {
	Error       string            `json:"error"`
	Status      int               `json:"status,omitempty"`
	HeadersSent map[string]string `json:"headersSent,omitempty"`
}

// Probe fetches an arbitrary endpoint and counts the result with the probe
// key order.
func (h *Handler) Probe(c echo.Context) error {
	var req mhlink.ProbeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, probeErrorResponse{Error: "invalid JSON body"})
	}

	res, err := h.prober.Probe(c.Request().Context(), req)
	if err != nil {
		var perr *mhlink.ProbeError
		if !errors.As(err, &perr) {
			return c.JSON(http.StatusBadGateway, probeErrorResponse{Error: err.Error()})
		}
		status := http.StatusBadGateway
		if perr.Invalid {
			status = http.StatusBadRequest
		}
		return c.JSON(status, probeErrorResponse{Error: perr.Message, Status: perr.Status, HeadersSent: perr.HeadersSent})
	}

	resp := probeResponse{
		Status:      res.Status,
		Shape:       patientcount.DescribeShape(res.Data),
		Data:        res.Data,
		HeadersSent: res.HeadersSent,
	}
	if decoded, err := patientcount.Decode(res.Data); err == nil {
		resp.Count, resp.Rule = h.counter.Explain(decoded)
	}
	return c.JSON(http.StatusOK, resp)
}
