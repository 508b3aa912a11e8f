// Package ledger provides an append-only journal of homee connection
// lifecycle and history answers for auditing.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/homeed/internal/homee"
)

// EventType represents the type of event in the ledger
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventReconnect    EventType = "reconnect"
	EventMaxRetries   EventType = "max_retries"
	EventHistory      EventType = "history"
	EventError        EventType = "error"
)

// Entry represents a single event in the ledger
type Entry struct {
	ID        int64          `json:"id"`
	EventType EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// Ledger provides append-only event logging
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Append adds a new event to the ledger
func (l *Ledger) Append(eventType EventType, sessionID string, payload map[string]any) error {
	var payloadJSON []byte
	var err error

	if payload != nil {
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	var session sql.NullString
	if sessionID != "" {
		session = sql.NullString{String: sessionID, Valid: true}
	}

	_, err = l.db.Exec(
		`INSERT INTO event_ledger (event_type, timestamp, payload, session_id) VALUES (?, ?, ?, ?)`,
		string(eventType), l.now().UTC().Unix(), string(payloadJSON), session,
	)
	return err
}

// Attach journals the lifecycle and history events published on bus.
// sessionID reports the id of the current socket.
func (l *Ledger) Attach(bus *homee.Bus, sessionID func() string) {
	homee.Subscribe(bus, func(e homee.ConnectedEvent) {
		l.record(EventConnected, e.SessionID, nil)
	})
	homee.Subscribe(bus, func(e homee.DisconnectedEvent) {
		l.record(EventDisconnected, sessionID(), map[string]any{"reason": e.Reason})
	})
	homee.Subscribe(bus, func(e homee.ReconnectEvent) {
		l.record(EventReconnect, "", map[string]any{"attempt": e.Attempt})
	})
	homee.Subscribe(bus, func(e homee.MaxRetriesEvent) {
		l.record(EventMaxRetries, "", map[string]any{"max_retries": e.Max})
	})
	homee.Subscribe(bus, func(e homee.HistoryEvent) {
		var data any
		if err := json.Unmarshal(e.Payload, &data); err != nil {
			data = string(e.Payload)
		}
		l.record(EventHistory, sessionID(), map[string]any{"kind": e.Kind, "data": data})
	})
	homee.Subscribe(bus, func(e homee.ErrorEvent) {
		// Parse errors are frequent and carry the whole frame; keep the journal small.
		if errors.Is(e.Err, homee.ErrParse) {
			return
		}
		l.record(EventError, sessionID(), map[string]any{"error": e.Err.Error()})
	})
}

func (l *Ledger) record(eventType EventType, sessionID string, payload map[string]any) {
	if err := l.Append(eventType, sessionID, payload); err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("Failed to append ledger entry")
	}
}

// GetByType returns entries filtered by event type, newest first
func (l *Ledger) GetByType(eventType EventType, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, payload, session_id
		FROM event_ledger
		WHERE event_type = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, string(eventType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// GetBySession returns the entries recorded for one socket session, oldest first
func (l *Ledger) GetBySession(sessionID string, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, payload, session_id
		FROM event_ledger
		WHERE session_id = ?
		ORDER BY id ASC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// GetByTimeRange returns entries within a time range
func (l *Ledger) GetByTimeRange(start, end time.Time, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, payload, session_id
		FROM event_ledger
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
	cutoff := l.now().Add(-retention).Unix()
	result, err := l.db.Exec(`
		DELETE FROM event_ledger WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RunCleanup applies the retention policy every interval until ctx is done.
func (l *Ledger) RunCleanup(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := l.DeleteOlderThan(retention)
			if err != nil {
				log.Error().Err(err).Msg("Ledger cleanup failed")
				continue
			}
			if deleted > 0 {
				log.Info().Int64("deleted", deleted).Msg("Ledger cleanup completed")
			}
		}
	}
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payloadStr, sessionID sql.NullString
		var timestamp int64

		if err := rows.Scan(&entry.ID, &entry.EventType, &timestamp, &payloadStr, &sessionID); err != nil {
			return nil, err
		}

		entry.Timestamp = time.Unix(timestamp, 0).UTC()
		if sessionID.Valid {
			entry.SessionID = sessionID.String
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
