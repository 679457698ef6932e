package ingest

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/carebridge/carebridge/internal/platform/auth"
	"github.com/carebridge/carebridge/pkg/pagination"
)

// SignatureHeader carries the vendor's HMAC signature of the request body.
const SignatureHeader = "X-Vendor-Signature"

const maxWebhookBody = 1 << 20

type Handler struct {
	pipeline *Pipeline
	store    EventStore
}

func NewHandler(pipeline *Pipeline, store EventStore) *Handler {
	return &Handler{pipeline: pipeline, store: store}
}

// RegisterRoutes attaches the webhook receiver and the event inspection API.
// The receiver group is expected to be unauthenticated (the signature is the
// auth); the api group carries operator auth middleware.
func (h *Handler) RegisterRoutes(receiver, api *echo.Group) {
	receiver.POST("/webhooks/vendor", h.ReceiveWebhook)

	api.GET("/webhook-events", h.ListEvents)
	api.GET("/webhook-events/summary", h.EventSummary)
	api.GET("/webhook-events/:id", h.GetEvent)
	api.POST("/webhook-events/:id/replay", h.ReplayEvent)
}

func (h *Handler) ReceiveWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	receipt, err := h.pipeline.Ingest(c.Request().Context(), body, c.Request().Header.Get(SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, ErrBadSignature):
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, ErrMalformed):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "ingestion failed")
		}
	}
	return c.JSON(http.StatusOK, receipt)
}

func (h *Handler) ListEvents(c echo.Context) error {
	p := pagination.FromContext(c)
	events, total, err := h.store.List(c.Request().Context(), EventFilter{
		Status:   c.QueryParam("status"),
		Category: c.QueryParam("category"),
		Limit:    p.Limit,
		Offset:   p.Offset,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if events == nil {
		events = []*WebhookEvent{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, p.Limit, p.Offset))
}

func (h *Handler) EventSummary(c echo.Context) error {
	counts, err := h.store.CountByStatus(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"statuses": counts})
}

func (h *Handler) GetEvent(c echo.Context) error {
	evt, err := h.store.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "event not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, evt)
}

func (h *Handler) ReplayEvent(c echo.Context) error {
	evt, err := h.pipeline.Replay(c.Request().Context(), c.Param("id"), auth.OperatorID(c))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "event not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, evt)
}
