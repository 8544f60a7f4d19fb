package core

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS records (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT    NOT NULL,
	kind        TEXT    NOT NULL,
	message_id  TEXT    NOT NULL DEFAULT '',
	generation  INTEGER NOT NULL DEFAULT 0,
	frame       BLOB    NOT NULL,
	recorded_at TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS records_session ON records (session_id, seq);
`

// SQLiteJournal stores applied records in a SQLite file.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenJournal opens (creating if needed) the journal at path. ":memory:"
// gives a private in-memory journal.
func OpenJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// one connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal ping failed: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure journal: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

// Append writes one record.
func (j *SQLiteJournal) Append(rec Record) error {
	_, err := j.db.Exec(
		"INSERT INTO records (session_id, kind, message_id, generation, frame, recorded_at) VALUES (?, ?, ?, ?, ?, ?)",
		rec.SessionID, string(rec.Kind), rec.MessageID, int64(rec.Generation), rec.Payload, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// Records returns the records of a session in the order they were applied.
func (j *SQLiteJournal) Records(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx,
		"SELECT session_id, kind, message_id, generation, frame FROM records WHERE session_id = ? ORDER BY seq",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var kind string
		var generation int64
		if err := rows.Scan(&rec.SessionID, &kind, &rec.MessageID, &generation, &rec.Payload); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		rec.Kind = RecordKind(kind)
		rec.Generation = uint64(generation)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return records, nil
}

// Sessions returns the ids of all journaled sessions, first seen first.
func (j *SQLiteJournal) Sessions(ctx context.Context) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, "SELECT session_id FROM records GROUP BY session_id ORDER BY MIN(seq)")
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return ids, nil
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// RecordSource is anything that can list a session's records.
type RecordSource interface {
	Records(ctx context.Context, sessionID string) ([]Record, error)
}

// Replay refolds a session's journaled records. Because message and tool ids
// are derived from the fold itself, the result equals the live state the
// records produced.
func Replay(ctx context.Context, source RecordSource, sessionID string) (SessionState, error) {
	records, err := source.Records(ctx, sessionID)
	if err != nil {
		return SessionState{}, err
	}
	if len(records) == 0 {
		return SessionState{}, fmt.Errorf("replay %s: %w", sessionID, ErrSessionNotFound)
	}

	state := NewSessionState(sessionID, "")
	for _, rec := range records {
		next, _, err := Apply(state, rec)
		if err != nil {
			continue
		}
		state = next
	}
	return state, nil
}
