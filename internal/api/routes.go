package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
	"github.com/satriahrh/callbridge/internal/metrics"
	"github.com/satriahrh/callbridge/internal/websocket"
)

// LiveCalls lists calls currently connected
type LiveCalls interface {
	Snapshots() []entities.CallSnapshot
}

// ClipSource serves rendered whisper clips
type ClipSource interface {
	Get(id string) ([]byte, bool)
}

// Dependencies are the collaborators the routes serve from. History, Clips,
// Suggest and Metrics may be nil.
type Dependencies struct {
	Hub     *websocket.Hub
	Calls   LiveCalls
	History repositories.CallRepository
	Clips   ClipSource
	Suggest websocket.SuggestionFunc
	Metrics *metrics.Collector
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies, logger *zap.Logger) {
	logger = logger.With(zap.String("component", "api"))
	h := &handlers{deps: deps, logger: logger}

	e.GET("/health", h.health)
	if deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))
	}

	v1 := e.Group("/api/v1")
	v1.GET("/calls", h.listCalls)
	v1.GET("/calls/:id", h.getCall)
	v1.GET("/audio/:clip", h.getClip)

	e.GET("/ws/supervisor/:call_id", func(c echo.Context) error {
		return websocket.ServeSupervisor(deps.Hub, c, deps.Suggest, logger)
	})
	e.GET("/ws/calls", func(c echo.Context) error {
		return websocket.ServeMonitor(deps.Hub, c, logger)
	})
}

type handlers struct {
	deps   Dependencies
	logger *zap.Logger
}

func (h *handlers) health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:      "ok",
		Service:     "callbridge",
		ActiveCalls: len(h.deps.Calls.Snapshots()),
	})
}

func (h *handlers) listCalls(c echo.Context) error {
	calls := h.deps.Calls.Snapshots()
	sort.Slice(calls, func(i, j int) bool {
		return calls[i].CreatedAt.Before(calls[j].CreatedAt)
	})
	return c.JSON(http.StatusOK, CallListResponse{Calls: calls, Count: len(calls)})
}

// getCall serves a live call, falling back to the stored record of an
// ended one
func (h *handlers) getCall(c echo.Context) error {
	id := c.Param("id")
	for _, call := range h.deps.Calls.Snapshots() {
		if call.ID == id {
			return c.JSON(http.StatusOK, call)
		}
	}

	if h.deps.History != nil {
		call, err := h.deps.History.GetByID(c.Request().Context(), id)
		if err != nil {
			h.logger.Error("Failed to load call record", zap.String("callID", id), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "storage_error",
				Message: "Failed to load call record",
			})
		}
		if call != nil {
			return c.JSON(http.StatusOK, call)
		}
	}

	return c.JSON(http.StatusNotFound, ErrorResponse{
		Error:   "not_found",
		Message: "Call not found",
	})
}

func (h *handlers) getClip(c echo.Context) error {
	id := strings.TrimSuffix(c.Param("clip"), ".wav")
	if h.deps.Clips == nil || id == "" {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Clip not found"})
	}
	data, ok := h.deps.Clips.Get(id)
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Clip not found or expired"})
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, "audio/wav", data)
}
