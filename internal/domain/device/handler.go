package device

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/carebridge/carebridge/internal/platform/auth"
	"github.com/carebridge/carebridge/internal/vendor"
	"github.com/carebridge/carebridge/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/devices", h.ListDevices)
	api.GET("/devices/:id", h.GetDevice)
	api.POST("/devices", h.RegisterDevice)
	api.DELETE("/devices/:id", h.UnregisterDevice)
	api.POST("/devices/:id/assign", h.AssignDevice)
	api.POST("/devices/:id/status", h.SetStatus)
	api.POST("/devices/:id/replacement", h.RequestReplacement)
}

// deviceView augments the stored record with the derived connectivity
// classification.
type deviceView struct {
	*Device
	Connectivity string `json:"connectivity"`
}

func (h *Handler) view(d *Device) deviceView {
	return deviceView{Device: d, Connectivity: d.Connectivity(time.Now().UTC(), h.svc.OfflineThreshold())}
}

func (h *Handler) ListDevices(c echo.Context) error {
	p := pagination.FromContext(c)
	filter := Filter{
		Status:     c.QueryParam("status"),
		DeviceType: c.QueryParam("device_type"),
		Limit:      p.Limit,
		Offset:     p.Offset,
	}
	if raw := c.QueryParam("patient_id"); raw != "" {
		pid, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		filter.PatientID = &pid
	}

	devices, total, err := h.svc.List(c.Request().Context(), filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, h.view(d))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, p.Limit, p.Offset))
}

func (h *Handler) GetDevice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	d, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return deviceError(err)
	}
	return c.JSON(http.StatusOK, h.view(d))
}

func (h *Handler) RegisterDevice(c echo.Context) error {
	var req struct {
		SerialNumber string     `json:"serial_number"`
		DeviceType   string     `json:"device_type"`
		PatientID    *uuid.UUID `json:"patient_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.Register(c.Request().Context(), req.SerialNumber, req.DeviceType, req.PatientID, auth.OperatorID(c))
	if err != nil {
		return deviceError(err)
	}
	return c.JSON(http.StatusCreated, h.view(d))
}

func (h *Handler) UnregisterDevice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	d, err := h.svc.Unregister(c.Request().Context(), id, auth.OperatorID(c))
	if err != nil {
		return deviceError(err)
	}
	return c.JSON(http.StatusOK, h.view(d))
}

func (h *Handler) AssignDevice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req struct {
		PatientID uuid.UUID `json:"patient_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PatientID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	d, err := h.svc.Assign(c.Request().Context(), id, req.PatientID, auth.OperatorID(c))
	if err != nil {
		return deviceError(err)
	}
	return c.JSON(http.StatusOK, h.view(d))
}

func (h *Handler) SetStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.SetStatus(c.Request().Context(), id, req.Status, req.Reason, auth.OperatorID(c))
	if err != nil {
		return deviceError(err)
	}
	return c.JSON(http.StatusOK, h.view(d))
}

func (h *Handler) RequestReplacement(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	replacement, err := h.svc.RequestReplacement(c.Request().Context(), id, req.Reason, auth.OperatorID(c))
	if err != nil {
		return deviceError(err)
	}
	// 202: the replacement is ordered, delivery confirmation arrives later
	// by webhook.
	return c.JSON(http.StatusAccepted, h.view(replacement))
}

func deviceError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "device not found")
	case errors.Is(err, ErrDuplicateSerial):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, "device was modified concurrently, retry")
	case errors.Is(err, vendor.ErrVendorBusy):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "vendor is busy, retry shortly")
	}
	var apiErr *vendor.APIError
	if errors.As(err, &apiErr) {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
