package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore persists events to a relational table, for relay deployments
// that want tunnel history queryable outside the relay process itself
// (e.g. a shared Postgres instance backing several relay replicas). It
// implements the same Store interface as FileStore and is selected by DSN
// scheme in NewStore.
type SQLStore struct {
	db     *sql.DB
	driver string
}

const createTableSQLite = `
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	ts TIMESTAMP NOT NULL,
	type TEXT NOT NULL,
	agent_id TEXT,
	session_id TEXT,
	stream_id TEXT,
	metadata TEXT
)`

const createTablePostgres = `
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	type TEXT NOT NULL,
	agent_id TEXT,
	session_id TEXT,
	stream_id TEXT,
	metadata JSONB
)`

// NewStore selects a Store implementation from dsn's scheme:
//
//	sqlite://path/to/file.db  -> modernc.org/sqlite-backed SQLStore
//	postgres://...            -> lib/pq-backed SQLStore
//	""                        -> NopStore (no history kept)
//
// Any other scheme is an error.
func NewStore(dsn string) (Store, error) {
	if dsn == "" {
		return NopStore{}, nil
	}

	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return newSQLStore("sqlite", strings.TrimPrefix(dsn, "sqlite://"), createTableSQLite)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return newSQLStore("postgres", dsn, createTablePostgres)
	default:
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse history dsn: %w", err)
		}
		return nil, fmt.Errorf("unsupported history dsn scheme %q", u.Scheme)
	}
}

func newSQLStore(driver, source, createTable string) (*SQLStore, error) {
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s history store: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s history store: %w", driver, err)
	}
	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s history store: %w", driver, err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

func (s *SQLStore) Append(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	var metadata []byte
	if e.Metadata != nil {
		var err error
		metadata, err = json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	query := s.rebind(`INSERT INTO audit_events (id, ts, type, agent_id, session_id, stream_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, e.ID, e.Timestamp, string(e.Type), e.AgentID, e.SessionID, e.StreamID, metadata)
	return err
}

func (s *SQLStore) Query(ctx context.Context, opts QueryOptions) ([]*Event, error) {
	var (
		clauses []string
		args    []any
	)
	if opts.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(opts.Type))
	}
	if !opts.Since.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, opts.Since)
	}
	if !opts.Until.IsZero() {
		clauses = append(clauses, "ts <= ?")
		args = append(args, opts.Until)
	}

	query := "SELECT id, ts, type, agent_id, session_id, stream_id, metadata FROM audit_events"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY ts ASC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e            Event
			typ          string
			agentID      sql.NullString
			sessionID    sql.NullString
			streamID     sql.NullString
			metadataJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &typ, &agentID, &sessionID, &streamID, &metadataJSON); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.AgentID = agentID.String
		e.SessionID = sessionID.String
		e.StreamID = streamID.String
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata for event %s: %w", e.ID, err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites "?" placeholders to Postgres's "$N" style when needed;
// modernc.org/sqlite accepts "?" natively.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
