package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gocql/gocql"
)

const (
	tokenViewName          = "token_by_event_expires"
	queuePositionIndexName = "queue_position_idx"

	schemaPollInterval = 500 * time.Millisecond
)

// TableAdmin manages the durable store schema: idempotent creation at
// bootstrap and full drop-and-recreate during reset.
type TableAdmin interface {
	EnsureSchema(ctx context.Context) error
	RebuildTables(ctx context.Context) error
}

var _ TableAdmin = (*cassandraAdmin)(nil)

type cassandraAdmin struct {
	session  *gocql.Session
	keyspace string

	tokenTable    string
	positionTable string
	issuanceTable string
}

func NewCassandraAdmin(session *gocql.Session, cfg Config) TableAdmin {
	return &cassandraAdmin{
		session:       session,
		keyspace:      cfg.CassandraKeyspace,
		tokenTable:    cfg.TokenTable,
		positionTable: cfg.QueuePositionTable,
		issuanceTable: cfg.ServingCounterTable,
	}
}

func (a *cassandraAdmin) ddlKeyspace() string {
	return fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}",
		a.keyspace)
}

func (a *cassandraAdmin) ddlTokenTable() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
		request_id text PRIMARY KEY,
		event_id text,
		issued_at bigint,
		not_before bigint,
		expires bigint,
		queue_number bigint,
		session_status int
	)`, a.keyspace, a.tokenTable)
}

// ddlTokenView covers lookups by event and expiry time, the access path the
// token expiry jobs use.
func (a *cassandraAdmin) ddlTokenView() string {
	return fmt.Sprintf(`CREATE MATERIALIZED VIEW IF NOT EXISTS %s.%s AS
		SELECT event_id, expires, request_id, queue_number, session_status
		FROM %s.%s
		WHERE event_id IS NOT NULL AND expires IS NOT NULL AND request_id IS NOT NULL
		PRIMARY KEY ((event_id), expires, request_id)`,
		a.keyspace, tokenViewName, a.keyspace, a.tokenTable)
}

func (a *cassandraAdmin) ddlPositionTable() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
		request_id text PRIMARY KEY,
		queue_position bigint,
		entry_time bigint,
		status int
	)`, a.keyspace, a.positionTable)
}

func (a *cassandraAdmin) ddlPositionIndex() string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s.%s (queue_position)",
		queuePositionIndexName, a.keyspace, a.positionTable)
}

func (a *cassandraAdmin) ddlIssuanceTable() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
		event_id text,
		serving_counter bigint,
		issue_time bigint,
		queue_positions_served bigint,
		PRIMARY KEY ((event_id), serving_counter)
	) WITH CLUSTERING ORDER BY (serving_counter ASC)`,
		a.keyspace, a.issuanceTable)
}

func (a *cassandraAdmin) exec(ctx context.Context, stmt string) error {
	if err := a.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("schema statement failed: %w", err)
	}
	return nil
}

// EnsureSchema creates the keyspace, tables, index and view if missing. Safe
// to run on every start.
func (a *cassandraAdmin) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		a.ddlKeyspace(),
		a.ddlTokenTable(),
		a.ddlTokenView(),
		a.ddlPositionTable(),
		a.ddlPositionIndex(),
		a.ddlIssuanceTable(),
	}
	for _, stmt := range stmts {
		if err := a.exec(ctx, stmt); err != nil {
			return err
		}
	}
	if err := a.session.AwaitSchemaAgreement(ctx); err != nil {
		return fmt.Errorf("schema agreement: %w", err)
	}
	return nil
}

// RebuildTables drops and recreates each durable table, waiting for the
// schema to settle between steps, then re-enables change data capture on the
// fresh tables. The view on the token table goes first; Cassandra refuses to
// drop a table that still has one.
func (a *cassandraAdmin) RebuildTables(ctx context.Context) error {
	if err := a.exec(ctx, fmt.Sprintf("DROP MATERIALIZED VIEW IF EXISTS %s.%s", a.keyspace, tokenViewName)); err != nil {
		return err
	}
	if err := a.waitViewState(ctx, tokenViewName, false); err != nil {
		return err
	}

	rebuilds := []struct {
		table  string
		create string
		extras []string
	}{
		{a.tokenTable, a.ddlTokenTable(), []string{a.ddlTokenView()}},
		{a.positionTable, a.ddlPositionTable(), []string{a.ddlPositionIndex()}},
		{a.issuanceTable, a.ddlIssuanceTable(), nil},
	}
	for _, r := range rebuilds {
		slog.Info("rebuilding table", "table", r.table)
		if err := a.exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s.%s", a.keyspace, r.table)); err != nil {
			return err
		}
		if err := a.waitTableState(ctx, r.table, false); err != nil {
			return err
		}
		if err := a.exec(ctx, r.create); err != nil {
			return err
		}
		if err := a.waitTableState(ctx, r.table, true); err != nil {
			return err
		}
		for _, stmt := range r.extras {
			if err := a.exec(ctx, stmt); err != nil {
				return err
			}
		}
		if err := a.exec(ctx, fmt.Sprintf("ALTER TABLE %s.%s WITH cdc = true", a.keyspace, r.table)); err != nil {
			return err
		}
	}

	if err := a.session.AwaitSchemaAgreement(ctx); err != nil {
		return fmt.Errorf("schema agreement after rebuild: %w", err)
	}
	return nil
}

func (a *cassandraAdmin) tableExists(ctx context.Context, table string) (bool, error) {
	var name string
	err := a.session.Query(
		"SELECT table_name FROM system_schema.tables WHERE keyspace_name = ? AND table_name = ?",
		a.keyspace, table).WithContext(ctx).Scan(&name)
	if err == gocql.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return true, nil
}

func (a *cassandraAdmin) viewExists(ctx context.Context, view string) (bool, error) {
	var name string
	err := a.session.Query(
		"SELECT view_name FROM system_schema.views WHERE keyspace_name = ? AND view_name = ?",
		a.keyspace, view).WithContext(ctx).Scan(&name)
	if err == gocql.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check view %s: %w", view, err)
	}
	return true, nil
}

func (a *cassandraAdmin) waitTableState(ctx context.Context, table string, present bool) error {
	ticker := time.NewTicker(schemaPollInterval)
	defer ticker.Stop()
	for {
		exists, err := a.tableExists(ctx, table)
		if err != nil {
			return err
		}
		if exists == present {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for table %s (present=%t): %w", table, present, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (a *cassandraAdmin) waitViewState(ctx context.Context, view string, present bool) error {
	ticker := time.NewTicker(schemaPollInterval)
	defer ticker.Stop()
	for {
		exists, err := a.viewExists(ctx, view)
		if err != nil {
			return err
		}
		if exists == present {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for view %s (present=%t): %w", view, present, ctx.Err())
		case <-ticker.C:
		}
	}
}
