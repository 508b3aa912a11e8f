// Package exec provides the Executor interface for thread-safe Lua execution.
// This package is separate from lua to avoid import cycles with modules.
package exec

import (
	"context"

	"github.com/rs/zerolog/log"
	glua "github.com/yuin/gopher-lua"
)

// Executor provides thread-safe Lua execution and state access.
type Executor interface {
	// Do queues work to be executed on the Lua VM
	Do(ctx context.Context, work func(ctx context.Context)) bool
	// LState returns the underlying Lua state (for use within Do callbacks only)
	LState() *glua.LState
}

// CallHandler calls a Lua handler with a single argument and reports whether
// it completed without raising. MUST be called from within an Executor.Do()
// callback.
func CallHandler(L *glua.LState, fn *glua.LFunction, arg glua.LValue) bool {
	top := L.GetTop()
	defer L.SetTop(top)

	L.Push(fn)
	L.Push(arg)
	if err := L.PCall(1, 0, nil); err != nil {
		log.Error().Err(err).Msg("Lua handler failed")
		return false
	}
	return true
}
