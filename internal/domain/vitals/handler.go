package vitals

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
	svc        *Service
	backfiller *Backfiller
}

func NewHandler(svc *Service, backfiller *Backfiller) *Handler {
	return &Handler{svc: svc, backfiller: backfiller}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/vitals/:patientID", h.ListVitals)
	api.POST("/vitals/:patientID/backfill", h.Backfill)
}

func (h *Handler) ListVitals(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patientID"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	p := pagination.FromContext(c)
	readings, total, err := h.svc.ListByPatient(c.Request().Context(), patientID, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if readings == nil {
		readings = []*Reading{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(readings, total, p.Limit, p.Offset))
}

func (h *Handler) Backfill(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patientID"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}

	filter := vendor.MeasurementFilter{}
	if v := c.QueryParam("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC3339")
		}
		filter.Since = t
	}
	if v := c.QueryParam("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "until must be RFC3339")
		}
		filter.Until = t
	}
	filter.DeviceType = c.QueryParam("device_type")

	stored, err := h.backfiller.Backfill(c.Request().Context(), patientID, auth.OperatorID(c), filter)
	if err != nil {
		if errors.Is(err, vendor.ErrVendorBusy) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"stored": stored})
}
