package lua

import (
	"github.com/dokzlo13/homeed/internal/lua/modules"
)

// RuntimeDeps groups all dependencies needed by Lua runtime.
type RuntimeDeps struct {
	// Script is the configured script path; relative script paths loaded
	// later are resolved against its directory.
	Script string
	Client modules.HomeeClient
	// Ledger backs the optional "ledger" module.
	Ledger modules.LedgerReader
	// QueueSize bounds pending Lua work (default 100).
	QueueSize int
}
