package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocql/gocql"
)

// ErrIssuanceExists reports an insert against a serving counter value that
// already has an issuance row. The insert is conditional, so a duplicate
// never overwrites the recorded issue time.
var ErrIssuanceExists = errors.New("issuance already recorded for serving counter value")

// DurableStore is the durable index behind the reconciler: entry times keyed
// by queue position and the append-only issuance log keyed by serving
// counter value.
type DurableStore interface {
	// EntryTimeByPosition looks up the epoch entry time recorded for a
	// queue position. found is false when no request holds that position,
	// which the scanner treats as a data gap.
	EntryTimeByPosition(ctx context.Context, position int64) (entryTime int64, found bool, err error)
	// IssuancesAfter returns issuance rows with serving counter value
	// strictly above the given position, ascending.
	IssuancesAfter(ctx context.Context, position int64) ([]Issuance, error)
	// AppendIssuance records an issuance row, failing with
	// ErrIssuanceExists when the serving counter value is already logged.
	AppendIssuance(ctx context.Context, iss Issuance) error
}

var _ DurableStore = (*cassandraStore)(nil)

type cassandraStore struct {
	session *gocql.Session
	eventID string

	positionTable string
	issuanceTable string
}

func NewCassandraStore(session *gocql.Session, cfg Config) DurableStore {
	return &cassandraStore{
		session:       session,
		eventID:       cfg.EventID,
		positionTable: cfg.CassandraKeyspace + "." + cfg.QueuePositionTable,
		issuanceTable: cfg.CassandraKeyspace + "." + cfg.ServingCounterTable,
	}
}

func (s *cassandraStore) EntryTimeByPosition(ctx context.Context, position int64) (int64, bool, error) {
	var entryTime int64
	stmt := fmt.Sprintf("SELECT entry_time FROM %s WHERE queue_position = ? LIMIT 1", s.positionTable)
	err := s.session.Query(stmt, position).WithContext(ctx).Scan(&entryTime)
	if err == gocql.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query entry time for position %d: %w", position, err)
	}
	return entryTime, true, nil
}

func (s *cassandraStore) IssuancesAfter(ctx context.Context, position int64) ([]Issuance, error) {
	stmt := fmt.Sprintf(
		"SELECT event_id, serving_counter, issue_time, queue_positions_served FROM %s WHERE event_id = ? AND serving_counter > ?",
		s.issuanceTable)
	iter := s.session.Query(stmt, s.eventID, position).WithContext(ctx).Iter()

	var out []Issuance
	var iss Issuance
	for iter.Scan(&iss.EventID, &iss.ServingCounter, &iss.IssueTime, &iss.QueuePositionsServed) {
		out = append(out, iss)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("query issuances after %d: %w", position, err)
	}
	return out, nil
}

func (s *cassandraStore) AppendIssuance(ctx context.Context, iss Issuance) error {
	stmt := fmt.Sprintf(
		"INSERT INTO %s (event_id, serving_counter, issue_time, queue_positions_served) VALUES (?, ?, ?, ?) IF NOT EXISTS",
		s.issuanceTable)
	applied, err := s.session.Query(stmt,
		iss.EventID, iss.ServingCounter, iss.IssueTime, iss.QueuePositionsServed).
		WithContext(ctx).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("append issuance at %d: %w", iss.ServingCounter, err)
	}
	if !applied {
		return fmt.Errorf("append issuance at %d: %w", iss.ServingCounter, ErrIssuanceExists)
	}
	return nil
}
