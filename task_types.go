package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

const (
	TypeReconcileExpired = "reconcile:expired"
)

// Task payloads
type ReconcileExpiredPayload struct {
	EventID string `json:"event_id"`
}

// HandleReconcileExpired runs one reconciliation pass. A returned error lets
// asynq retry; between retries and scheduled ticks the pass always resumes
// from durable state.
func (h *Handlers) HandleReconcileExpired(ctx context.Context, t *asynq.Task) error {
	var payload ReconcileExpiredPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}

	slog.Info("scheduled reconcile triggered", "event_id", payload.EventID)
	return h.reconcileService.ReconcileExpiredPositions(ctx)
}
