// Package httpapi exposes booking history and read models over HTTP
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/andrekirst/eventstore/aggregate"
	"github.com/andrekirst/eventstore/booking"
	"github.com/andrekirst/eventstore/history"
	"github.com/andrekirst/eventstore/relay/echorelay"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Caller identity headers, set by the authenticating proxy in front of the service
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	// RoleAdministrator may read every booking
	RoleAdministrator = "Administrator"

	// DefaultPageSize is used when the request has no pageSize
	DefaultPageSize = 20
)

// ErrForbidden is reported when the caller neither owns the booking nor is an administrator
var ErrForbidden = errors.New("access to booking denied")

// History returns booking timelines
type History interface {
	GetHistory(ctx context.Context, aggregateID string, page, pageSize int) (*history.Page, error)
}

// Views loads booking read models
type Views interface {
	Load(ctx context.Context, aggregateID string) (*booking.View, bool, error)
}

// OwnerFunc resolves the user owning a booking
type OwnerFunc func(ctx context.Context, bookingID string) (int, error)

// Option configures Handler
type Option func(*Handler)

// WithRelay serves change data capture deliveries on POST /relay
func WithRelay(r echorelay.Relayer) Option {
	return func(h *Handler) {
		h.relay = r
	}
}

// WithGatherer serves the gathered metrics on GET /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.gatherer = g
	}
}

// WithDefaultPageSize overrides DefaultPageSize
func WithDefaultPageSize(n int) Option {
	return func(h *Handler) {
		h.defaultPageSize = n
	}
}

// WithLogger sets the handler logger
func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// NewHandler creates a new handler
func NewHandler(hist History, owner OwnerFunc, views Views, opts ...Option) *Handler {
	h := &Handler{
		history:         hist,
		owner:           owner,
		views:           views,
		defaultPageSize: DefaultPageSize,
		logger:          zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Handler handles HTTP requests
type Handler struct {
	history         History
	owner           OwnerFunc
	views           Views
	relay           echorelay.Relayer
	gatherer        prometheus.Gatherer
	defaultPageSize int
	logger          zerolog.Logger
}

// NewEcho returns an echo server with panic recovery and request logging
func NewEcho(logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			ev := logger.Info()
			if v.Error != nil {
				ev = logger.Error().Err(v.Error)
			}

			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")

			return nil
		},
	}))

	return e
}

// RegisterRoutes registers routes with the echo server
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/bookings/:id", h.GetBooking)
	e.GET("/bookings/:id/history", h.GetHistory)

	if h.relay != nil {
		e.POST("/relay", echorelay.Wrap(h.relay))
	}

	if h.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	e.GET("/health", h.Health)
}

// Health returns health status
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

type caller struct {
	userID int
	admin  bool
}

func (c caller) mayRead(owner int) bool {
	return c.admin || c.userID == owner
}

func identify(c echo.Context) (caller, bool) {
	id, err := strconv.Atoi(c.Request().Header.Get(HeaderUserID))
	if err != nil {
		return caller{}, false
	}

	return caller{
		userID: id,
		admin:  c.Request().Header.Get(HeaderUserRole) == RoleAdministrator,
	}, true
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

func queryInt(c echo.Context, name string, def int) (int, bool) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, true
	}

	n, err := strconv.Atoi(raw)

	return n, err == nil
}

// GetHistory returns one page of the booking timeline.
// GET /bookings/:id/history?page=&pageSize=
func (h *Handler) GetHistory(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	who, ok := identify(c)
	if !ok {
		return errorJSON(c, http.StatusUnauthorized, "missing or invalid "+HeaderUserID)
	}

	page, ok := queryInt(c, "page", 1)
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "page must be a number")
	}

	pageSize, ok := queryInt(c, "pageSize", h.defaultPageSize)
	if !ok {
		return errorJSON(c, http.StatusBadRequest, "pageSize must be a number")
	}

	if err := history.ValidatePage(page, pageSize); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	// administrators read every booking, so a corrupt first event must not lock them out
	if !who.admin {
		owner, err := h.resolveOwner(ctx, id)
		if errors.Is(err, aggregate.ErrAggregateNotFound) {
			return errorJSON(c, http.StatusNotFound, "booking not found")
		}

		if err != nil || owner != who.userID {
			return errorJSON(c, http.StatusForbidden, ErrForbidden.Error())
		}
	}

	p, err := h.history.GetHistory(ctx, id, page, pageSize)
	if errors.Is(err, history.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "booking not found")
	}

	if err != nil {
		h.logger.Error().Err(err).Str("aggregate_id", id).Msg("could not load booking history")

		return errorJSON(c, http.StatusInternalServerError, "failed to load booking history")
	}

	return c.JSON(http.StatusOK, p)
}

// resolveOwner reads the owner from the first booking event. When that event
// cannot be read the booking read model is consulted instead; ErrForbidden is
// returned when neither source knows the owner
func (h *Handler) resolveOwner(ctx context.Context, id string) (int, error) {
	owner, err := h.owner(ctx, id)
	if err == nil || errors.Is(err, aggregate.ErrAggregateNotFound) {
		return owner, err
	}

	logger := h.logger.With().Str("aggregate_id", id).Logger()
	logger.Warn().Err(err).Msg("could not resolve booking owner from events, using read model")

	v, found, verr := h.views.Load(ctx, id)
	if verr != nil {
		logger.Error().Err(verr).Msg("could not load booking read model")

		return 0, ErrForbidden
	}

	if !found {
		return 0, ErrForbidden
	}

	return v.UserID, nil
}

type bookingResponse struct {
	ID               string         `json:"id"`
	UserID           int            `json:"userId"`
	StartDate        string         `json:"startDate"`
	EndDate          string         `json:"endDate"`
	Status           string         `json:"status"`
	Notes            string         `json:"notes,omitempty"`
	Items            []booking.Item `json:"bookingItems"`
	TotalPersons     int            `json:"totalPersons"`
	CreatedAt        time.Time      `json:"createdAt"`
	ChangedAt        *time.Time     `json:"changedAt,omitempty"`
	LastEventVersion int            `json:"lastEventVersion"`
}

// GetBooking returns the booking read model.
// GET /bookings/:id
func (h *Handler) GetBooking(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	who, ok := identify(c)
	if !ok {
		return errorJSON(c, http.StatusUnauthorized, "missing or invalid "+HeaderUserID)
	}

	v, found, err := h.views.Load(ctx, id)
	if err != nil {
		h.logger.Error().Err(err).Str("aggregate_id", id).Msg("could not load booking")

		return errorJSON(c, http.StatusInternalServerError, "failed to load booking")
	}

	if !found {
		return errorJSON(c, http.StatusNotFound, "booking not found")
	}

	if !who.mayRead(v.UserID) {
		return errorJSON(c, http.StatusForbidden, ErrForbidden.Error())
	}

	items := v.Items
	if items == nil {
		items = []booking.Item{}
	}

	return c.JSON(http.StatusOK, bookingResponse{
		ID:               v.AggregateID,
		UserID:           v.UserID,
		StartDate:        v.StartDate.Format(time.DateOnly),
		EndDate:          v.EndDate.Format(time.DateOnly),
		Status:           v.Status.String(),
		Notes:            v.Notes,
		Items:            items,
		TotalPersons:     v.TotalPersons,
		CreatedAt:        v.CreatedAt,
		ChangedAt:        v.ChangedAt,
		LastEventVersion: v.LastEventVersion,
	})
}
