package executor

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero/api"

	"github.com/weisyn/indexer/internal/hostbridge"
	"github.com/weisyn/indexer/internal/nodeclient"
	"github.com/weisyn/indexer/internal/wasmrt"
)

// Guest is the single capability both Executor variants drive: run one
// block batch against the current BlockContext. Committing to a variant
// happens at executor construction (spec.md §4.4, §9) — there is no
// virtual dispatch at the per-block level beyond this one call.
type Guest interface {
	RunBatch(ctx context.Context, blocks []nodeclient.Block, bc *hostbridge.BlockContext) error
	Close(ctx context.Context) error
}

// NativeHandler is a host-language function pointer variant of a guest:
// a Native executor calls it directly with a shared reference to the
// Session (via BlockContext), no sandbox boundary involved.
type NativeHandler func(ctx context.Context, blocks []nodeclient.Block, bc *hostbridge.BlockContext) error

// nativeGuest adapts a NativeHandler to the Guest interface.
type nativeGuest struct {
	handler NativeHandler
}

// NewNativeGuest wraps a registered handler as a Guest.
func NewNativeGuest(handler NativeHandler) Guest {
	return &nativeGuest{handler: handler}
}

func (g *nativeGuest) RunBatch(ctx context.Context, blocks []nodeclient.Block, bc *hostbridge.BlockContext) error {
	return g.handler(ctx, blocks, bc)
}

func (g *nativeGuest) Close(context.Context) error { return nil }

// sandboxedGuest drives a compiled WASM module through wazero. The
// guest→host boundary is synchronous: the executor task blocks its
// worker goroutine for the duration of one block batch's processing,
// bounded by transaction time (spec.md §5).
type sandboxedGuest struct {
	rt       *wasmrt.Runtime
	instance api.Module
}

// NewSandboxedGuest compiles wasmBytes (cached under cacheKey, which must
// change whenever the bytes do; cmd/indexer uses the uid plus a digest of
// the bytes) and instantiates one guest for the executor's lifetime.
func NewSandboxedGuest(ctx context.Context, rt *wasmrt.Runtime, cacheKey string, wasmBytes []byte, moduleName string) (Guest, error) {
	compiled, err := rt.Compile(ctx, cacheKey, wasmBytes)
	if err != nil {
		return nil, err
	}
	instance, err := rt.Instantiate(ctx, compiled, moduleName)
	if err != nil {
		return nil, errors.Wrap(err, "executor: instantiate guest")
	}
	return &sandboxedGuest{rt: rt, instance: instance}, nil
}

// RunBatch invokes the guest's exported "run_batch" function once per
// block in the batch, to keep the guest ABI to a single block shape
// rather than a variable-length batch encoding. Blocks are written into
// the guest's memory via the instance's own "alloc" export (a convention
// every guest module must satisfy).
func (g *sandboxedGuest) RunBatch(ctx context.Context, blocks []nodeclient.Block, bc *hostbridge.BlockContext) error {
	ctx = hostbridge.WithBlockContext(ctx, bc)

	runBatch := g.instance.ExportedFunction("run_batch")
	if runBatch == nil {
		return errors.New("executor: guest module does not export run_batch")
	}
	allocFn := g.instance.ExportedFunction("alloc")
	if allocFn == nil {
		return errors.New("executor: guest module does not export alloc")
	}

	for _, block := range blocks {
		payload, err := encodeBlock(block)
		if err != nil {
			return errors.Wrap(err, "executor: encode block payload")
		}

		allocResult, err := allocFn.Call(ctx, uint64(len(payload)))
		if err != nil {
			return errors.Wrap(err, "executor: guest alloc trap")
		}
		ptr := uint32(allocResult[0])

		if !g.instance.Memory().Write(ptr, payload) {
			return errors.New("executor: failed to write block payload into guest memory")
		}

		if _, err := runBatch.Call(ctx, uint64(ptr), uint64(len(payload))); err != nil {
			// A WASM trap (panic, OOB access, unreachable) surfaces here
			// as a Go error; treat it like any other guest fault.
			return errors.Wrap(err, "executor: guest trap")
		}
		if bc.Fault != nil {
			return bc.Fault
		}
	}
	return nil
}

func (g *sandboxedGuest) Close(ctx context.Context) error {
	hostbridge.Forget(g.instance)
	if err := g.instance.Close(ctx); err != nil {
		return errors.Wrap(err, "executor: close guest instance")
	}
	return nil
}

// encodeBlock serializes a block's height and payload into the flat byte
// layout the guest ABI expects: an 8-byte big-endian height followed by
// the raw payload bytes.
func encodeBlock(b nodeclient.Block) ([]byte, error) {
	out := make([]byte, 8, 8+len(b.Payload))
	binary.BigEndian.PutUint64(out, b.Height)
	out = append(out, b.Payload...)
	return out, nil
}
