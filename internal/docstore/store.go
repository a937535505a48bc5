// Package docstore provides durable document storage for the bus: a
// content-addressed events bucket and the consistency-map document,
// backed by SQLite. Secondary indexes on event_type and timestamp_raw
// support the historical query path.
package docstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/stickybus/internal/schema"
)

// ConsistencyDocID is the well-known key of the consistency-map
// document in the consistency bucket.
const ConsistencyDocID = "consistency"

// Store manages event and consistency persistence.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates a store using the given database path. The schema and
// secondary indexes are created if missing; index creation tolerates
// pre-existing indexes.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// OpenWithDB creates a store using an existing database connection.
func OpenWithDB(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			timestamp_raw INTEGER NOT NULL,
			body TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_event_type ON events(event_type);
		CREATE INDEX IF NOT EXISTS idx_events_timestamp_raw ON events(timestamp_raw);

		CREATE TABLE IF NOT EXISTS consistency (
			id TEXT PRIMARY KEY,
			body TEXT NOT NULL
		);
	`)
	return err
}

// Ping verifies that a connection to the database can be opened. It
// does not test that the database is writable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertEvent stores one accepted event under its content hash. The
// event_type and timestamp_raw columns are denormalized from the body
// so the secondary indexes can serve the query path.
func (s *Store) UpsertEvent(id string, ev schema.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO events (id, event_type, timestamp_raw, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			event_type = excluded.event_type,
			timestamp_raw = excluded.timestamp_raw,
			body = excluded.body
	`, id, ev.EventType, ev.TimestampRaw, string(body))
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", id, err)
	}
	return nil
}

// QueryEvents returns events whose event_type is in eventTypes and
// whose timestamp_raw is strictly greater than since, ordered by
// ascending timestamp_raw. A single "*" entry matches every type.
func (s *Store) QueryEvents(eventTypes []string, since int64) ([]schema.Event, error) {
	wildcard := len(eventTypes) == 1 && eventTypes[0] == "*"

	var rows *sql.Rows
	var err error
	if wildcard {
		rows, err = s.db.Query(`
			SELECT body FROM events
			WHERE timestamp_raw > ?
			ORDER BY timestamp_raw ASC
		`, since)
	} else {
		if len(eventTypes) == 0 {
			return nil, nil
		}
		placeholders := strings.Repeat("?,", len(eventTypes))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, 0, len(eventTypes)+1)
		for _, et := range eventTypes {
			args = append(args, et)
		}
		args = append(args, since)
		rows, err = s.db.Query(`
			SELECT body FROM events
			WHERE event_type IN (`+placeholders+`) AND timestamp_raw > ?
			ORDER BY timestamp_raw ASC
		`, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []schema.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var ev schema.Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal stored event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

// SaveConsistency upserts the full consistency map as a single JSON
// document keyed [ConsistencyDocID].
func (s *Store) SaveConsistency(m map[schema.ConsistencyKey]uint32) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal consistency map: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO consistency (id, body) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body
	`, ConsistencyDocID, string(body))
	if err != nil {
		return fmt.Errorf("upsert consistency document: %w", err)
	}
	return nil
}

// LoadConsistency reads the consistency map document. A missing
// document yields an empty map; the bus starts fresh.
func (s *Store) LoadConsistency() (map[schema.ConsistencyKey]uint32, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM consistency WHERE id = ?`, ConsistencyDocID).Scan(&body)
	if err == sql.ErrNoRows {
		s.logger.Info("no consistency document found, starting with empty map")
		return make(map[schema.ConsistencyKey]uint32), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load consistency document: %w", err)
	}

	m := make(map[schema.ConsistencyKey]uint32)
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return nil, fmt.Errorf("unmarshal consistency document: %w", err)
	}
	s.logger.Info("loaded consistency document", "keys", len(m))
	return m, nil
}
