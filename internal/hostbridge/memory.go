package hostbridge

import (
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/pkg/errors"
)

// allocator is a bump allocator carved from the top of a guest module's
// linear memory, used to hand results (log lines are guest-owned, but
// get_object results and self-identification strings are host-owned)
// back across the boundary without ever exposing a host pointer.
//
// It allocates from high addresses downward, leaving a guard region so a
// growing guest stack can't silently collide with host-allocated data.
type allocator struct {
	mu         sync.Mutex
	currentTop uint32
	guardSize  uint32
}

const defaultGuardSize = 8192

func newAllocator(memory api.Memory) *allocator {
	return &allocator{currentTop: memory.Size(), guardSize: defaultGuardSize}
}

// allocate reserves size bytes, growing the guest's memory if needed, and
// returns the pointer to the reserved region.
func (a *allocator) allocate(memory api.Memory, size uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		size = 8
	}
	aligned := (size + 7) &^ 7

	memSize := memory.Size()
	required := aligned + a.guardSize
	if a.currentTop < required {
		additional := required - a.currentTop + 65536
		pages := (additional + 65535) / 65536
		if _, ok := memory.Grow(pages); !ok {
			return 0, errors.Errorf("hostbridge: failed to grow guest memory by %d pages", pages)
		}
		memSize = memory.Size()
		a.currentTop = memSize
	}

	a.currentTop -= aligned
	ptr := a.currentTop
	if ptr >= memSize {
		return 0, errors.Errorf("hostbridge: allocated pointer %d out of bounds (mem size %d)", ptr, memSize)
	}
	return ptr, nil
}

// writeBytes allocates room for data and copies it into guest memory,
// returning the pointer and length the guest should read back.
func (a *allocator) writeBytes(memory api.Memory, data []byte) (ptr uint32, length uint32, err error) {
	ptr, err = a.allocate(memory, uint32(len(data)))
	if err != nil {
		return 0, 0, err
	}
	if len(data) > 0 && !memory.Write(ptr, data) {
		return 0, 0, errors.New("hostbridge: failed to write guest memory")
	}
	return ptr, uint32(len(data)), nil
}
