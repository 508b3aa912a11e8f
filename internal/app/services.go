package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/homeed/internal/config"
	"github.com/dokzlo13/homeed/internal/db"
	"github.com/dokzlo13/homeed/internal/homee"
	"github.com/dokzlo13/homeed/internal/ledger"
	"github.com/dokzlo13/homeed/internal/storage"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	Ledger *ledger.Ledger

	// Last known hub state (offline view, never fed back into the client)
	Store     *storage.Store
	Snapshots *storage.SnapshotWriter

	// High-level services
	Homee  *HomeeService
	Lua    *LuaService
	Health *HealthService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config, opts ...homee.Option) (*Services, error) {
	s := &Services{cfg: cfg}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	s.Ledger = ledger.New(database.DB)
	s.Store = storage.NewStore(database.DB)
	s.Snapshots = storage.NewSnapshotWriter(s.Store)

	s.Homee, err = NewHomeeService(cfg, opts...)
	if err != nil {
		s.Close()
		return nil, err
	}

	// Subscribers are attached before anything can publish
	s.Snapshots.Attach(s.Homee.Bus)
	s.Ledger.Attach(s.Homee.Bus, s.Homee.Client.SessionID)

	s.Lua = NewLuaService(cfg, s.Homee.Client, s.Ledger)
	s.Health = NewHealthService(cfg, s.Homee.Client.State)

	return s, nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when the hub connection cannot recover.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Load Lua script before starting worker, so handlers exist before the first event
	if err := s.Lua.LoadScript(); err != nil {
		return err
	}

	s.Lua.Start(ctx)
	s.Health.Start(ctx)
	go s.Ledger.RunCleanup(ctx,
		s.cfg.Ledger.CleanupInterval.Duration(),
		time.Duration(s.cfg.Ledger.RetentionDays)*24*time.Hour,
	)
	s.Homee.StartBackground(ctx, onFatalError)

	return nil
}

// ClearState clears the persisted hub snapshot.
func (s *Services) ClearState() error {
	return s.Store.Clear("")
}

// Snapshot returns the persisted hub snapshot.
func (s *Services) Snapshot() (homee.Snapshot, error) {
	return storage.LoadSnapshot(s.Store)
}

// LedgerQuery selects journal entries for inspection. Session takes
// precedence over Since, Since over Type.
type LedgerQuery struct {
	Type    ledger.EventType
	Session string
	Since   time.Duration
	Limit   int
}

// LedgerEntries returns the journal entries matching q.
func (s *Services) LedgerEntries(q LedgerQuery) ([]*ledger.Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	switch {
	case q.Session != "":
		return s.Ledger.GetBySession(q.Session, limit)
	case q.Since > 0:
		now := time.Now()
		return s.Ledger.GetByTimeRange(now.Add(-q.Since), now, limit)
	default:
		return s.Ledger.GetByType(q.Type, limit)
	}
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources. The client goes first so that no new events
// reach the Lua worker or the database while they shut down.
func (s *Services) Close() {
	if s.Homee != nil {
		s.Homee.Close()
	}
	if s.Lua != nil {
		s.Lua.Close()
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			log.Warn().Err(err).Msg("Database close error")
		}
	}
}
