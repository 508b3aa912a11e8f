package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Store provides generic versioned state storage with JSON payloads.
// State is keyed by (kind, id) and stored as JSON blobs with version tracking.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore creates a new generic state store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Set stores payload, incrementing version automatically.
// Creates new entry if not exists, updates if exists.
func (s *Store) Set(kind, id string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(upsertSQL, kind, id, string(payload), time.Now().UTC().Unix())
	if err == nil {
		log.Debug().
			Str("kind", kind).
			Str("id", id).
			Int("bytes", len(payload)).
			Msg("Store.Set completed")
	}

	return err
}

const upsertSQL = `
	INSERT INTO resource_state (kind, id, payload, version, updated_at)
	VALUES (?, ?, ?, 1, ?)
	ON CONFLICT(kind, id) DO UPDATE SET
		payload = excluded.payload,
		version = version + 1,
		updated_at = excluded.updated_at
`

// ReplaceKind atomically replaces every entry of kind with payloads.
// Entries that are not in payloads are removed; the remaining ones keep
// their version history.
func (s *Store) ReplaceKind(kind string, payloads map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM resource_state WHERE kind = ?`, kind)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		if _, ok := payloads[id]; !ok {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range stale {
		if _, err := tx.Exec(`DELETE FROM resource_state WHERE kind = ? AND id = ?`, kind, id); err != nil {
			return err
		}
	}

	now := time.Now().UTC().Unix()
	for id, payload := range payloads {
		if _, err := tx.Exec(upsertSQL, kind, id, string(payload), now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	log.Debug().
		Str("kind", kind).
		Int("entries", len(payloads)).
		Int("removed", len(stale)).
		Msg("Store.ReplaceKind completed")
	return nil
}

// Clear removes all state for a kind. If kind is empty, clears all state.
func (s *Store) Clear(kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if kind == "" {
		_, err = s.db.Exec(`DELETE FROM resource_state`)
	} else {
		_, err = s.db.Exec(`DELETE FROM resource_state WHERE kind = ?`, kind)
	}

	return err
}

// GetAll returns all entries for a kind with their versions.
func (s *Store) GetAll(kind string) (map[string][]byte, map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, payload, version FROM resource_state WHERE kind = ?
	`, kind)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	payloads := make(map[string][]byte)
	versions := make(map[string]int64)

	for rows.Next() {
		var id, payloadStr string
		var version int64

		if err := rows.Scan(&id, &payloadStr, &version); err != nil {
			return nil, nil, err
		}

		payloads[id] = []byte(payloadStr)
		versions[id] = version
	}

	return payloads, versions, rows.Err()
}
