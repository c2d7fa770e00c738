package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

type Handlers struct {
	reconcileService *ReconcileService
	resetService     *ResetService
	counters         CounterStore

	eventID      string
	resetTimeout time.Duration
}

func NewHandlers(reconcileService *ReconcileService, resetService *ResetService, counters CounterStore, cfg Config) *Handlers {
	return &Handlers{
		reconcileService: reconcileService,
		resetService:     resetService,
		counters:         counters,
		eventID:          cfg.EventID,
		resetTimeout:     cfg.ResetTimeout,
	}
}

// Reset wipes the counters and rebuilds the durable tables. The whole
// operation runs under the configured reset deadline; a timeout or rebuild
// failure leaves the system frozen and is reported as a server error.
func (h *Handlers) Reset(c echo.Context) error {
	var req struct {
		EventID string `json:"event_id"`
	}

	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.resetTimeout)
	defer cancel()

	err := h.resetService.Reset(ctx, req.EventID)
	if errors.Is(err, ErrEventIDMismatch) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid event ID"})
	}
	if err != nil {
		slog.Error(fmt.Sprintf("h.resetService.Reset(eventID: %v)", req.EventID), "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "Reset completed"})
}

// Reconcile triggers one reconciliation pass outside the scheduled cadence.
func (h *Handlers) Reconcile(c echo.Context) error {
	if err := h.reconcileService.ReconcileExpiredPositions(c.Request().Context()); err != nil {
		slog.Error("h.reconcileService.ReconcileExpiredPositions()", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "Reconcile completed"})
}

// IncrementServingCounter advances the serving counter by an operator-chosen
// amount.
func (h *Handlers) IncrementServingCounter(c echo.Context) error {
	var req struct {
		EventID     string `json:"event_id"`
		IncrementBy int64  `json:"increment_by"`
	}

	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if req.EventID != h.eventID {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid event ID"})
	}
	if req.IncrementBy <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "increment_by must be positive"})
	}

	value, err := h.reconcileService.IncrementServingCounterBy(c.Request().Context(), req.IncrementBy)
	if errors.Is(err, ErrResetInProgress) {
		return c.JSON(http.StatusConflict, map[string]string{"error": "Reset in progress"})
	}
	if err != nil {
		slog.Error(fmt.Sprintf("h.reconcileService.IncrementServingCounterBy(%v)", req.IncrementBy), "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]int64{"serving_counter": value})
}

// GetCounters returns the current value of every counter.
func (h *Handlers) GetCounters(c echo.Context) error {
	snap, err := h.counters.Snapshot(c.Request().Context())
	if err != nil {
		slog.Error("h.counters.Snapshot()", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, snap)
}
