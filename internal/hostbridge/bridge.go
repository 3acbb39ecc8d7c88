// Package hostbridge implements the Host Bridge: the only capability
// surface a sandboxed guest program may invoke (spec.md §4.1). It is the
// trust boundary between untrusted WASM bytecode and the rest of the
// runtime — the guest is assumed hostile for memory and control-flow
// purposes but cooperative for semantics.
package hostbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/pkg/errors"

	"github.com/weisyn/indexer/internal/dbsession"
	"github.com/weisyn/indexer/internal/log"
	"github.com/weisyn/indexer/internal/manifest"
	"github.com/weisyn/indexer/internal/schema"
)

// ModuleName is the WASM import module name guest bytecode must declare
// its host imports under (matching wazero's "env" convention used across
// the example pack's WASM adapters).
const ModuleName = "env"

// LogLevel mirrors the guest-facing log levels from spec.md §4.1.
type LogLevel uint32

const (
	LogTrace LogLevel = iota
	LogDebug
	LogInfo
	LogWarn
	LogError
)

// Fault is returned when a guest call violates the capability contract
// (bad type-id, malformed column count, session state violation). It
// aborts the current block but never the executor (spec.md §4.1, §7).
type Fault struct {
	Kind string
	Err  error
}

func (f *Fault) Error() string { return fmt.Sprintf("hostbridge: %s fault: %v", f.Kind, f.Err) }
func (f *Fault) Unwrap() error { return f.Err }

func newFault(kind string, err error) *Fault { return &Fault{Kind: kind, Err: err} }

// BlockContext carries everything a block's worth of host-function calls
// needs: the index identity, the DB Session to write through, the Schema
// Map to generate SQL from, and the logger. One BlockContext is created
// per call into the guest and attached to the Go context.Context passed
// to the WASM function invocation — wazero threads that context to every
// host function call for the duration.
type BlockContext struct {
	UID     manifest.UID
	Version string
	Session dbsession.Handle
	Schema  *schema.Map
	Logger  log.Logger

	// Fault records the first capability violation observed during this
	// block's guest invocation, if any. The executor checks it after the
	// call returns.
	Fault *Fault
}

type blockContextKey struct{}

// WithBlockContext returns a context carrying bc for host function calls
// made during the guest invocation wrapped in ctx.
func WithBlockContext(ctx context.Context, bc *BlockContext) context.Context {
	return context.WithValue(ctx, blockContextKey{}, bc)
}

func blockContextFrom(ctx context.Context) *BlockContext {
	bc, _ := ctx.Value(blockContextKey{}).(*BlockContext)
	return bc
}

// columnAllocators tracks one memory allocator per guest module instance,
// since each instance owns its own linear memory and allocator state must
// not be shared across instances. Many executors run concurrently
// (spec.md §5), each instantiating its own guest module, so access to the
// shared map is mutex-guarded.
type columnAllocators struct {
	mu       sync.Mutex
	byModule map[api.Module]*allocator
}

var allocators = &columnAllocators{byModule: make(map[api.Module]*allocator)}

func (c *columnAllocators) forModule(mod api.Module) *allocator {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.byModule[mod]; ok {
		return a
	}
	a := newAllocator(mod.Memory())
	c.byModule[mod] = a
	return a
}

// Forget releases the allocator tracked for mod. Call when an instance is
// destroyed so the map doesn't grow without bound across index reloads.
func Forget(mod api.Module) {
	allocators.mu.Lock()
	defer allocators.mu.Unlock()
	delete(allocators.byModule, mod)
}

// Instantiate registers the Host Bridge's capability set as a wazero host
// module on rt. It must be called before the guest module is instantiated
// (wazero resolves imports at instantiation time).
func Instantiate(ctx context.Context, rt wazero.Runtime) error {
	builder := rt.NewHostModuleBuilder(ModuleName)

	builder.NewFunctionBuilder().WithFunc(hostLog).Export("log")
	builder.NewFunctionBuilder().WithFunc(hostPutObject).Export("put_object")
	builder.NewFunctionBuilder().WithFunc(hostGetObject).Export("get_object")
	builder.NewFunctionBuilder().WithFunc(hostGetNamespace).Export("get_namespace")
	builder.NewFunctionBuilder().WithFunc(hostGetIdentifier).Export("get_identifier")
	builder.NewFunctionBuilder().WithFunc(hostGetVersion).Export("get_version")

	if _, err := builder.Instantiate(ctx); err != nil {
		return errors.Wrap(err, "hostbridge: instantiate host module")
	}
	return nil
}

// hostLog implements log(level, msg): best-effort, never fails the guest.
func hostLog(ctx context.Context, mod api.Module, level uint32, ptr, length uint32) {
	bc := blockContextFrom(ctx)
	if bc == nil || bc.Logger == nil {
		return
	}
	msg, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return
	}
	fields := []log.Field{log.F("uid", bc.UID.String())}
	switch LogLevel(level) {
	case LogTrace, LogDebug:
		bc.Logger.Debug(string(msg), fields...)
	case LogWarn:
		bc.Logger.Warn(string(msg), fields...)
	case LogError:
		bc.Logger.Error(string(msg), fields...)
	default:
		bc.Logger.Info(string(msg), fields...)
	}
}

// hostPutObject implements put_object(type_id, columns, blob). columns
// arrives as a JSON array of already-encoded SQL value fragments, per the
// shared column-fragment protocol (spec.md §4.2 design note): the guest
// never supplies table names, columns, or keys, only value fragments and
// the blob. Returns 0 on success, nonzero on a capability fault (the
// executor is responsible for checking bc.Fault, not this return value,
// for fault *details*; the return value only tells the guest to stop).
func hostPutObject(ctx context.Context, mod api.Module, typeID uint64, objectID uint64, columnsPtr, columnsLen uint32, blobPtr, blobLen uint32) uint32 {
	bc := blockContextFrom(ctx)
	if bc == nil {
		return 1
	}

	rawColumns, ok := mod.Memory().Read(columnsPtr, columnsLen)
	if !ok {
		bc.Fault = newFault("bad_memory_range", errors.New("columns range out of bounds"))
		return 1
	}
	var fragments []string
	if err := json.Unmarshal(rawColumns, &fragments); err != nil {
		bc.Fault = newFault("malformed_columns", err)
		return 1
	}

	blob, ok := mod.Memory().Read(blobPtr, blobLen)
	if !ok {
		bc.Fault = newFault("bad_memory_range", errors.New("blob range out of bounds"))
		return 1
	}
	// blob must outlive the guest's own memory arena, since PutObject may
	// run after the guest call returns under pipelined drivers; copy it.
	blobCopy := append([]byte(nil), blob...)

	sql, err := bc.Schema.UpsertSQL(int64(typeID), objectID, fragments, "$1")
	if err != nil {
		bc.Fault = newFault("bad_type_id", err)
		return 1
	}

	if err := bc.Session.PutObject(ctx, sql, blobCopy); err != nil {
		bc.Fault = newFault("session_state", err)
		return 1
	}
	return 0
}

// hostGetObject implements get_object(type_id, object_id), returning the
// most recent blob written for that id, or none. The result is written
// into guest memory via the bump allocator and its (ptr, len) returned
// packed into one uint64 (ptr<<32 | len). A packed value of 0 means "not
// found"; an empty stored blob also yields 0, so guests must not write
// zero-length objects.
func hostGetObject(ctx context.Context, mod api.Module, typeID uint64, objectID uint64) uint64 {
	bc := blockContextFrom(ctx)
	if bc == nil {
		return 0
	}

	sql, err := bc.Schema.GetSQL(int64(typeID), objectID)
	if err != nil {
		bc.Fault = newFault("bad_type_id", err)
		return 0
	}

	blob, found, err := bc.Session.GetObject(ctx, sql)
	if err != nil {
		bc.Fault = newFault("session_state", err)
		return 0
	}
	if !found || len(blob) == 0 {
		return 0
	}

	alloc := allocators.forModule(mod)
	ptr, length, err := alloc.writeBytes(mod.Memory(), blob)
	if err != nil {
		bc.Fault = newFault("memory_write", err)
		return 0
	}
	return uint64(ptr)<<32 | uint64(length)
}

func hostGetNamespace(ctx context.Context, mod api.Module) uint64 { return selfIdentify(ctx, mod, func(bc *BlockContext) string { return bc.UID.Namespace }) }
func hostGetIdentifier(ctx context.Context, mod api.Module) uint64 { return selfIdentify(ctx, mod, func(bc *BlockContext) string { return bc.UID.Identifier }) }
func hostGetVersion(ctx context.Context, mod api.Module) uint64 { return selfIdentify(ctx, mod, func(bc *BlockContext) string { return bc.Version }) }

func selfIdentify(ctx context.Context, mod api.Module, extract func(*BlockContext) string) uint64 {
	bc := blockContextFrom(ctx)
	if bc == nil {
		return 0
	}
	alloc := allocators.forModule(mod)
	ptr, length, err := alloc.writeBytes(mod.Memory(), []byte(extract(bc)))
	if err != nil {
		bc.Fault = newFault("memory_write", err)
		return 0
	}
	return uint64(ptr)<<32 | uint64(length)
}
