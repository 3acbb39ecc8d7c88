// Package nodeclienttest provides an in-process fake of nodeclient.Client
// for executor tests, so scenarios like spec.md §8's "cold start" and
// "guest trap" cases don't need a live node.
package nodeclienttest

import (
	"context"
	"sync"

	"github.com/weisyn/indexer/internal/nodeclient"
)

// Fake serves a fixed, in-memory list of blocks and reports healthy
// unless told otherwise.
type Fake struct {
	mu      sync.Mutex
	blocks  []nodeclient.Block
	healthy bool
}

// NewFake builds a Fake seeded with blocks.
func NewFake(blocks []nodeclient.Block) *Fake {
	return &Fake{blocks: blocks, healthy: true}
}

func (f *Fake) SetHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = healthy
}

func (f *Fake) FetchBlocks(_ context.Context, fromHeight, maxBlocks uint64) ([]nodeclient.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []nodeclient.Block
	for _, b := range f.blocks {
		if b.Height < fromHeight {
			continue
		}
		if uint64(len(out)) >= maxBlocks {
			break
		}
		out = append(out, b)
	}
	return out, nil
}

func (f *Fake) Health(_ context.Context) nodeclient.HealthStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthy {
		return nodeclient.HealthStatus{OK: true}
	}
	return nodeclient.NotOk
}
