// Package ledger provides an append-only history of scene transitions for
// auditing and the HTTP API.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event in the ledger
type EventType string

const (
	EventSceneActivated   EventType = "scene_activated"
	EventSceneDeactivated EventType = "scene_deactivated"
	EventVerdictChanged   EventType = "verdict_changed"
	EventTargetsLearned   EventType = "targets_learned"
)

// Entry represents a single event in the ledger
type Entry struct {
	ID        int64
	RunID     string
	SceneID   string
	EventType EventType
	Timestamp time.Time
	Payload   map[string]any
	Source    string
}

// Ledger provides append-only transition logging with per-run deduplication
type Ledger struct {
	db *sql.DB
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// NewRunID returns a fresh id tying together the ledger entries of one
// command execution.
func NewRunID() string {
	return uuid.NewString()
}

// Append adds a new event to the ledger. The unique index on
// (run_id, event_type) makes retried appends for the same run no-ops, so a
// command that is retried after a partial failure records each outcome once.
func (l *Ledger) Append(runID, sceneID string, eventType EventType, source string, payload map[string]any) error {
	var payloadJSON []byte
	var err error

	if payload != nil {
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	now := time.Now().UTC().Unix()

	_, err = l.db.Exec(`
		INSERT OR IGNORE INTO scene_ledger (run_id, scene_id, event_type, timestamp, payload, source)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, sceneID, string(eventType), now, string(payloadJSON), source)

	return err
}

// HasRecorded checks whether a run already recorded the given event type.
func (l *Ledger) HasRecorded(runID string, eventType EventType) bool {
	if runID == "" {
		return false
	}

	var exists int
	err := l.db.QueryRow(`
		SELECT 1 FROM scene_ledger
		WHERE run_id = ? AND event_type = ?
		LIMIT 1
	`, runID, string(eventType)).Scan(&exists)

	return err == nil && exists == 1
}

// ForScene returns the most recent entries for one scene
func (l *Ledger) ForScene(sceneID string, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, run_id, scene_id, event_type, timestamp, payload, source
		FROM scene_ledger
		WHERE scene_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, sceneID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// Recent returns the most recent entries across all scenes
func (l *Ledger) Recent(limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, run_id, scene_id, event_type, timestamp, payload, source
		FROM scene_ledger
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// GetByTimeRange returns entries within a time range
func (l *Ledger) GetByTimeRange(start, end time.Time, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, run_id, scene_id, event_type, timestamp, payload, source
		FROM scene_ledger
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, start.Unix(), end.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	result, err := l.db.Exec(`
		DELETE FROM scene_ledger WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payloadStr, source sql.NullString
		var timestamp int64

		err := rows.Scan(
			&entry.ID, &entry.RunID, &entry.SceneID, &entry.EventType, &timestamp, &payloadStr, &source,
		)
		if err != nil {
			return nil, err
		}

		entry.Timestamp = time.Unix(timestamp, 0).UTC()
		if source.Valid {
			entry.Source = source.String
		}

		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
