package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/homeed/internal/config"
	luart "github.com/dokzlo13/homeed/internal/lua"
	"github.com/dokzlo13/homeed/internal/lua/modules"
)

// LuaService wraps the Lua runtime and provides thread-safe execution.
// It is a no-op when no script is configured.
type LuaService struct {
	cfg     *config.Config
	Runtime *luart.Runtime
}

// NewLuaService creates a new LuaService.
func NewLuaService(cfg *config.Config, client modules.HomeeClient, journal modules.LedgerReader) *LuaService {
	s := &LuaService{cfg: cfg}
	if cfg.Script != "" {
		s.Runtime = luart.NewRuntime(luart.RuntimeDeps{
			Script: cfg.Script,
			Client: client,
			Ledger: journal,
		})
	}
	return s
}

// Enabled reports whether a script is configured.
func (s *LuaService) Enabled() bool {
	return s.Runtime != nil
}

// LoadScript loads and executes the Lua script.
// Must be called before Start().
func (s *LuaService) LoadScript() error {
	if !s.Enabled() {
		log.Info().Msg("No Lua script configured")
		return nil
	}
	return s.Runtime.LoadScript(s.cfg.Script)
}

// Start registers the script's event handlers and begins the Lua worker.
func (s *LuaService) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}

	if m := s.Runtime.HomeeModule(); m != nil {
		m.RegisterHandlers(ctx)
	}

	// The only goroutine that touches Lua
	go s.Runtime.Run(ctx)
}

// Close closes the Lua runtime.
func (s *LuaService) Close() {
	if s.Runtime != nil {
		s.Runtime.Close()
	}
}
