package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ErrEventIDMismatch reports a reset or increment request whose event id does
// not match the event this deployment serves.
var ErrEventIDMismatch = errors.New("event id does not match configured event")

// ResetService drives the full-reset state machine: freeze, zero the
// counters, rebuild the durable tables, unfreeze. A failed rebuild leaves the
// freeze flag set so no pass runs against half-rebuilt state until an
// operator retries.
type ResetService struct {
	counters CounterStore
	tables   TableAdmin
	eventID  string
}

func NewResetService(counters CounterStore, tables TableAdmin, cfg Config) *ResetService {
	return &ResetService{
		counters: counters,
		tables:   tables,
		eventID:  cfg.EventID,
	}
}

// Reset validates the caller-supplied event id and runs the state machine.
// Nothing mutates on a mismatch. The flag clears only when every step
// succeeded.
func (s *ResetService) Reset(ctx context.Context, eventID string) error {
	if eventID != s.eventID {
		return ErrEventIDMismatch
	}

	log := slog.With("reset_id", uuid.NewString())

	if _, err := s.counters.GetSet(ctx, KeyResetInProgress, 1); err != nil {
		return fmt.Errorf("set reset flag: %w", err)
	}
	log.Info("reset in progress")

	for _, key := range allCounterKeys {
		if _, err := s.counters.GetSet(ctx, key, 0); err != nil {
			return fmt.Errorf("zero counter %s: %w", key, err)
		}
	}
	log.Info("counters reset")

	if err := s.tables.RebuildTables(ctx); err != nil {
		log.Error("table rebuild failed, system remains frozen until reset is retried", "error", err)
		return fmt.Errorf("rebuild tables: %w", err)
	}
	log.Info("durable tables recreated")

	if err := s.counters.Set(ctx, KeyResetInProgress, 0); err != nil {
		return fmt.Errorf("clear reset flag: %w", err)
	}
	log.Info("reset completed")
	return nil
}

// EnsureCounters creates any missing counter keys at zero. SETNX never
// clobbers a live value, so this runs on every start.
func (s *ResetService) EnsureCounters(ctx context.Context) error {
	keys := append([]string{KeyResetInProgress}, allCounterKeys...)
	for _, key := range keys {
		created, err := s.counters.SetNX(ctx, key, 0)
		if err != nil {
			return fmt.Errorf("init counter %s: %w", key, err)
		}
		if created {
			slog.Info("counter initialized", "counter", key)
		}
	}
	return nil
}

// Bootstrap brings a fresh deployment to a runnable state: counters present
// at zero and the durable schema in place.
func (s *ResetService) Bootstrap(ctx context.Context) error {
	if err := s.EnsureCounters(ctx); err != nil {
		return err
	}
	if err := s.tables.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
