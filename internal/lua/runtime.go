package lua

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/homeed/internal/lua/modules"
)

// LuaWork represents work to be executed on the Lua VM
// All Lua execution MUST go through this to ensure thread safety
type LuaWork func(ctx context.Context)

// Runtime manages the Lua VM with single-threaded execution
type Runtime struct {
	L      *lua.LState
	script string

	homeeModule *modules.HomeeModule

	// Work queue for thread-safe Lua execution
	workQueue chan LuaWork

	// Closing this channel signals senders to stop
	closing   chan struct{}
	closeOnce sync.Once

	running atomic.Bool
	stopped chan struct{}
}

// NewRuntime creates a new Lua runtime
func NewRuntime(deps RuntimeDeps) *Runtime {
	queueSize := deps.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}

	r := &Runtime{
		L:         lua.NewState(),
		script:    deps.Script,
		workQueue: make(chan LuaWork, queueSize),
		closing:   make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	r.registerModules(deps)

	return r
}

// Close signals the runtime to stop accepting new work, waits for a running
// worker to return and closes the Lua state.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.closing)
		// workQueue stays open so late senders never panic; Run exits on closing.
		if r.running.Load() {
			<-r.stopped
		}
		r.L.Close()
	})
}

// Do queues work to be executed on the Lua VM (thread-safe, non-blocking).
// Returns false if the runtime is closing, queue is full, or context is cancelled.
func (r *Runtime) Do(ctx context.Context, work func(ctx context.Context)) bool {
	select {
	case <-r.closing:
		log.Warn().Msg("Lua runtime closing, dropping work")
		return false
	case <-ctx.Done():
		log.Warn().Msg("Context cancelled, dropping Lua work")
		return false
	case r.workQueue <- work:
		return true
	default:
		log.Warn().Msg("Lua work queue full, dropping work")
		return false
	}
}

// LState returns the Lua state. Only use it from inside queued work.
func (r *Runtime) LState() *lua.LState {
	return r.L
}

// registerModules registers all Lua modules
func (r *Runtime) registerModules(deps RuntimeDeps) {
	r.L.PreloadModule("log", modules.NewLogModule().Loader)

	if deps.Client != nil {
		r.homeeModule = modules.NewHomeeModule(deps.Client, r)
		r.L.PreloadModule("homee", r.homeeModule.Loader)
	}
	if deps.Ledger != nil {
		r.L.PreloadModule("ledger", modules.NewLedgerModule(deps.Ledger).Loader)
	}
}

// Run starts the Lua worker goroutine - this is the ONLY goroutine that touches Lua.
// Exits when context is cancelled or runtime is closed.
func (r *Runtime) Run(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	defer close(r.stopped)

	select {
	case <-r.closing:
		return
	default:
	}

	for {
		select {
		case <-ctx.Done():
			r.drainQueue(ctx)
			return
		case <-r.closing:
			return
		case work := <-r.workQueue:
			select {
			case <-r.closing:
				return
			default:
			}
			r.executeWork(ctx, work)
		}
	}
}

// drainQueue processes any remaining work in the queue before exiting
func (r *Runtime) drainQueue(ctx context.Context) {
	for {
		select {
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		default:
			return
		}
	}
}

// executeWork runs a single work item with panic recovery
func (r *Runtime) executeWork(ctx context.Context, work LuaWork) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Msg("Lua work panicked - worker continuing")
		}
	}()
	// Modules reach the context through L.Context()
	r.L.SetContext(ctx)
	work(ctx)
}

// LoadScript loads and executes a Lua script (must be called before Run)
func (r *Runtime) LoadScript(path string) error {
	// Resolve path relative to the configured script
	if !filepath.IsAbs(path) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = filepath.Join(filepath.Dir(r.script), path)
		}
	}

	log.Info().Str("path", path).Msg("Loading Lua script")

	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to execute Lua script: %w", err)
	}

	log.Info().Msg("Lua script loaded successfully")
	return nil
}

// HomeeModule returns the homee module for handler registration
func (r *Runtime) HomeeModule() *modules.HomeeModule {
	return r.homeeModule
}
