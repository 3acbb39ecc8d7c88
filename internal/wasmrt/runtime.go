// Package wasmrt wraps wazero for the sandboxed Executor variant: it
// compiles guest bytecode once per asset version, instantiates one guest
// per executor, and runs WASI so Go- or Rust-compiled guests that assume
// WASI (clocks, environ) link cleanly.
package wasmrt

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/weisyn/indexer/internal/hostbridge"
)

// Config controls the wazero runtime's resource limits.
type Config struct {
	MaxMemoryPages uint32 // 0 uses wazero's default
	CompileCache   bool
}

// Runtime owns one wazero.Runtime and a cache of compiled modules keyed
// by the asset's content (so a reload that reuses a previously-seen
// module skips recompilation).
type Runtime struct {
	rt wazero.Runtime

	mu      sync.Mutex
	cache   map[string]wazero.CompiledModule // keyed by the caller's cacheKey
	cfg     Config
}

// New builds a Runtime and instantiates WASI + the Host Bridge's
// capability module on it. Host functions must be registered before any
// guest module is instantiated (wazero resolves imports eagerly).
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	var rtConfig wazero.RuntimeConfig = wazero.NewRuntimeConfig()
	if cfg.CompileCache {
		rtConfig = rtConfig.WithCompilationCache(wazero.NewCompilationCache())
	}
	if cfg.MaxMemoryPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.MaxMemoryPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, errors.Wrap(err, "wasmrt: instantiate WASI")
	}
	if err := hostbridge.Instantiate(ctx, rt); err != nil {
		return nil, errors.Wrap(err, "wasmrt: instantiate host bridge")
	}

	return &Runtime{rt: rt, cache: make(map[string]wazero.CompiledModule), cfg: cfg}, nil
}

// Compile compiles wasmBytes, caching the result under cacheKey (the
// index's uid.version is a good choice — an asset version never changes
// its bytes once committed).
func (r *Runtime) Compile(ctx context.Context, cacheKey string, wasmBytes []byte) (wazero.CompiledModule, error) {
	r.mu.Lock()
	if cached, ok := r.cache[cacheKey]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	compiled, err := r.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, errors.Wrap(err, "wasmrt: compile module")
	}

	r.mu.Lock()
	r.cache[cacheKey] = compiled
	r.mu.Unlock()
	return compiled, nil
}

// Instantiate creates a fresh guest instance from a compiled module. Each
// executor owns exactly one instance for its lifetime (spec.md §3); the
// instance is torn down when the executor reaches Terminal.
func (r *Runtime) Instantiate(ctx context.Context, compiled wazero.CompiledModule, moduleName string) (api.Module, error) {
	cfg := wazero.NewModuleConfig().WithName(moduleName).WithStartFunctions() // no _start: guest is a library, not a WASI command
	mod, err := r.rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "wasmrt: instantiate module")
	}
	return mod, nil
}

// Close releases the underlying wazero runtime and every cached compiled
// module.
func (r *Runtime) Close(ctx context.Context) error {
	if err := r.rt.Close(ctx); err != nil {
		return errors.Wrap(err, "wasmrt: close runtime")
	}
	return nil
}
