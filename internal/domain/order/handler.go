package order

import (
	"errors"
	"net/http"

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
	api.POST("/orders", h.CreateOrder)
	api.GET("/orders", h.ListOrders)
	api.GET("/orders/:id", h.GetOrder)
	api.POST("/orders/:id/resubmit", h.ResubmitOrder)
	api.POST("/orders/:id/cancel", h.CancelOrder)
	api.POST("/orders/:id/hold", h.HoldOrder)
	api.POST("/orders/:id/resume", h.ResumeOrder)
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var req struct {
		PatientID uuid.UUID  `json:"patient_id"`
		Items     []LineItem `json:"items"`
		Notes     string     `json:"notes"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PatientID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}

	o, err := h.svc.Create(c.Request().Context(), req.PatientID, req.Items, req.Notes, auth.OperatorID(c))
	if err != nil {
		// The local order may exist even though the vendor call failed; the
		// caller gets the order back with an explicit failure so the outcome
		// is never ambiguous.
		if errors.Is(err, ErrVendorPlacement) && o != nil {
			return c.JSON(http.StatusBadGateway, map[string]interface{}{
				"order": o,
				"error": err.Error(),
			})
		}
		return orderError(err)
	}
	// Accepted: the vendor acknowledged, fulfillment outcome arrives by
	// webhook.
	return c.JSON(http.StatusAccepted, o)
}

func (h *Handler) GetOrder(c echo.Context) error {
	o, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListOrders(c echo.Context) error {
	p := pagination.FromContext(c)
	filter := Filter{Status: c.QueryParam("status"), Limit: p.Limit, Offset: p.Offset}
	if raw := c.QueryParam("patient_id"); raw != "" {
		pid, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		filter.PatientID = &pid
	}

	orders, total, err := h.svc.List(c.Request().Context(), filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if orders == nil {
		orders = []*Order{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(orders, total, p.Limit, p.Offset))
}

func (h *Handler) ResubmitOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	o, err := h.svc.Resubmit(c.Request().Context(), id, auth.OperatorID(c))
	if err != nil {
		if errors.Is(err, ErrVendorPlacement) && o != nil {
			return c.JSON(http.StatusBadGateway, map[string]interface{}{
				"order": o,
				"error": err.Error(),
			})
		}
		return orderError(err)
	}
	return c.JSON(http.StatusAccepted, o)
}

func (h *Handler) CancelOrder(c echo.Context) error {
	return h.action(c, func(id uuid.UUID, reason, actor string) (*Order, error) {
		return h.svc.Cancel(c.Request().Context(), id, reason, actor)
	})
}

func (h *Handler) HoldOrder(c echo.Context) error {
	return h.action(c, func(id uuid.UUID, reason, actor string) (*Order, error) {
		return h.svc.Hold(c.Request().Context(), id, reason, actor)
	})
}

func (h *Handler) ResumeOrder(c echo.Context) error {
	return h.action(c, func(id uuid.UUID, reason, actor string) (*Order, error) {
		return h.svc.Resume(c.Request().Context(), id, reason, actor)
	})
}

func (h *Handler) action(c echo.Context, fn func(id uuid.UUID, reason, actor string) (*Order, error)) error {
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
	o, err := fn(id, req.Reason, auth.OperatorID(c))
	if err != nil {
		return orderError(err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) lookup(c echo.Context) (*Order, error) {
	raw := c.Param("id")
	if id, err := uuid.Parse(raw); err == nil {
		o, err := h.svc.Get(c.Request().Context(), id)
		if err != nil {
			return nil, orderError(err)
		}
		return o, nil
	}
	// Operator-facing order numbers are accepted in place of UUIDs.
	o, err := h.svc.GetByNumber(c.Request().Context(), raw)
	if err != nil {
		return nil, orderError(err)
	}
	return o, nil
}

func orderError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	case errors.Is(err, ErrOrderSettled):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, "order was modified concurrently, retry")
	case errors.Is(err, vendor.ErrVendorBusy):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "vendor is busy, retry shortly")
	}
	var apiErr *vendor.APIError
	if errors.As(err, &apiErr) {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
