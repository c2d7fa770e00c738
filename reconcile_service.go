package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrResetInProgress reports an operation rejected because a reset currently
// owns the stores.
var ErrResetInProgress = errors.New("reset in progress")

// ReconcileService walks serving counter issuances past the expiry watermark,
// expires the queue positions whose grace period has lapsed, and advances the
// serving counter to hand the expired capacity to later positions.
type ReconcileService struct {
	counters CounterStore
	durable  DurableStore
	notifier Notifier

	eventID       string
	gracePeriod   time.Duration
	creditExpired bool

	now func() time.Time
}

func NewReconcileService(counters CounterStore, durable DurableStore, notifier Notifier, cfg Config) *ReconcileService {
	return &ReconcileService{
		counters:      counters,
		durable:       durable,
		notifier:      notifier,
		eventID:       cfg.EventID,
		gracePeriod:   cfg.GracePeriod,
		creditExpired: cfg.CreditExpiredPositions,
		now:           time.Now,
	}
}

// ReconcileExpiredPositions runs one pass. Issuances are processed in serving
// counter order; the pass stops at the first position still inside its grace
// period or at a position with no recorded entry time. Store failures abort
// the pass, which resumes from durable state on the next trigger.
func (s *ReconcileService) ReconcileExpiredPositions(ctx context.Context) error {
	flag, err := s.counters.Get(ctx, KeyResetInProgress)
	if err != nil {
		return fmt.Errorf("read reset flag: %w", err)
	}
	if flag != 0 {
		slog.Info("reset in progress, skipping reconcile pass")
		return nil
	}

	currentTime := s.now().Unix()
	watermark, err := s.counters.Get(ctx, KeyMaxQueuePositionExpired)
	if err != nil {
		return err
	}
	servingCounter, err := s.counters.Get(ctx, KeyServingCounter)
	if err != nil {
		return err
	}
	queueCounter, err := s.counters.Get(ctx, KeyQueueCounter)
	if err != nil {
		return err
	}
	slog.Info("reconcile pass starting",
		"queue_counter", queueCounter,
		"serving_counter", servingCounter,
		"max_queue_position_expired", watermark,
	)

	issuances, err := s.durable.IssuancesAfter(ctx, watermark)
	if err != nil {
		return err
	}
	if len(issuances) == 0 {
		slog.Info("no serving counter issuances past expiry watermark")
		return nil
	}

	graceSeconds := int64(s.gracePeriod / time.Second)
	previous := watermark

	for _, iss := range issuances {
		entryTime, found, err := s.durable.EntryTimeByPosition(ctx, iss.ServingCounter)
		if err != nil {
			return err
		}
		if !found {
			// Data gap: the position was never entered. Later issuances
			// cannot be judged either, so the pass stops here.
			slog.Warn("no queue position entry for serving counter value, stopping pass",
				"serving_counter", iss.ServingCounter)
			break
		}

		queueTime := entryTime
		if iss.IssueTime > queueTime {
			queueTime = iss.IssueTime
		}
		if currentTime-queueTime < graceSeconds {
			// First position still inside its grace period. Everything
			// after it is younger, so the pass is done.
			break
		}

		applied, err := s.counters.SetIfGreater(ctx, KeyMaxQueuePositionExpired, iss.ServingCounter)
		if err != nil {
			return fmt.Errorf("advance expiry watermark: %w", err)
		}
		if applied {
			slog.Info("expiry watermark advanced", "max_queue_position_expired", iss.ServingCounter)
		} else {
			slog.Warn("expiry watermark write rejected, stored value is newer",
				"attempted", iss.ServingCounter)
		}

		if s.creditExpired {
			if _, err := s.advanceServingCounter(ctx, iss.QueuePositionsServed, iss.ServingCounter, previous); err != nil {
				return err
			}
		}
		previous = iss.ServingCounter
	}
	return nil
}

// advanceServingCounter credits expired positions back to the serving
// counter. The increment is the width of the issuance range minus the
// positions actually served inside it; anything not positive means the range
// was fully served and there is nothing to credit.
func (s *ReconcileService) advanceServingCounter(ctx context.Context, queuePositionsServed, expiredPosition, previousServingPosition int64) (int64, error) {
	incrementBy := (expiredPosition - previousServingPosition) - queuePositionsServed
	if incrementBy <= 0 {
		slog.Warn("computed serving counter increment not positive, skipping",
			"increment_by", incrementBy,
			"expired_position", expiredPosition,
			"previous_position", previousServingPosition,
		)
		return 0, nil
	}

	current, err := s.counters.IncrBy(ctx, KeyServingCounter, incrementBy)
	if err != nil {
		return 0, fmt.Errorf("increment serving counter: %w", err)
	}

	iss := Issuance{
		EventID:              s.eventID,
		ServingCounter:       current,
		IssueTime:            s.now().Unix(),
		QueuePositionsServed: 0,
	}
	if err := s.durable.AppendIssuance(ctx, iss); err != nil {
		if errors.Is(err, ErrIssuanceExists) {
			// The counter already moved, so the increment stands, but
			// another writer owns this issuance row. Do not announce it
			// twice.
			slog.Warn("issuance already recorded for serving counter value, notification suppressed",
				"serving_counter", current)
			return incrementBy, nil
		}
		return 0, err
	}
	slog.Info("serving counter incremented",
		"increment_by", incrementBy,
		"serving_counter", current,
	)

	ev := newAdvancementEvent(current-incrementBy, incrementBy, current)
	if err := s.notifier.NotifyCounterAdvanced(ctx, ev); err != nil {
		slog.Error("failed to publish advancement event", "error", err, "notification_id", ev.ID)
	}
	return incrementBy, nil
}

// IncrementServingCounterBy is the operator-driven advancement path. It
// records an issuance for the new counter value but emits no notification;
// the bus event announces automatic advancement only.
func (s *ReconcileService) IncrementServingCounterBy(ctx context.Context, incrementBy int64) (int64, error) {
	if incrementBy <= 0 {
		return 0, fmt.Errorf("increment must be positive, got %d", incrementBy)
	}
	flag, err := s.counters.Get(ctx, KeyResetInProgress)
	if err != nil {
		return 0, fmt.Errorf("read reset flag: %w", err)
	}
	if flag != 0 {
		return 0, ErrResetInProgress
	}

	current, err := s.counters.IncrBy(ctx, KeyServingCounter, incrementBy)
	if err != nil {
		return 0, fmt.Errorf("increment serving counter: %w", err)
	}
	iss := Issuance{
		EventID:              s.eventID,
		ServingCounter:       current,
		IssueTime:            s.now().Unix(),
		QueuePositionsServed: 0,
	}
	if err := s.durable.AppendIssuance(ctx, iss); err != nil {
		if errors.Is(err, ErrIssuanceExists) {
			slog.Warn("issuance already recorded for serving counter value",
				"serving_counter", current)
			return current, nil
		}
		return 0, err
	}
	slog.Info("serving counter manually incremented",
		"increment_by", incrementBy,
		"serving_counter", current,
	)
	return current, nil
}
