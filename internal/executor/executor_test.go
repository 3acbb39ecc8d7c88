package executor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/weisyn/indexer/internal/asset"
	"github.com/weisyn/indexer/internal/dbsession/dbsessiontest"
	"github.com/weisyn/indexer/internal/executor"
	"github.com/weisyn/indexer/internal/hostbridge"
	"github.com/weisyn/indexer/internal/log"
	"github.com/weisyn/indexer/internal/manifest"
	"github.com/weisyn/indexer/internal/nodeclient"
	"github.com/weisyn/indexer/internal/nodeclient/nodeclienttest"
)

// fakeRegistry is an in-memory asset.Registry stand-in sufficient for the
// executor's cursor bookkeeping; its Triple/Put/AllUIDs methods are
// unused by executor logic (those belong to Supervisor/asset flows) but
// must exist to satisfy the interface.
type fakeRegistry struct {
	mu            sync.Mutex
	lastCommitted map[string]uint64
	hasCommitted  map[string]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		lastCommitted: make(map[string]uint64),
		hasCommitted:  make(map[string]bool),
	}
}

func (r *fakeRegistry) LastCommittedBlock(_ context.Context, uid manifest.UID) (uint64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCommitted[uid.String()], r.hasCommitted[uid.String()], nil
}

func (r *fakeRegistry) RecordCommittedBlock(_ context.Context, uid manifest.UID, height uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastCommitted[uid.String()] = height
	r.hasCommitted[uid.String()] = true
	return nil
}

func (r *fakeRegistry) EnsureIndex(context.Context, manifest.UID) error { return nil }
func (r *fakeRegistry) Latest(context.Context, manifest.UID) (asset.Triple, error) {
	return asset.Triple{}, nil
}
func (r *fakeRegistry) Penultimate(context.Context, manifest.UID) (asset.Triple, error) {
	return asset.Triple{}, nil
}
func (r *fakeRegistry) Put(context.Context, manifest.UID, asset.Kind, []byte) (asset.Asset, error) {
	return asset.Asset{}, nil
}
func (r *fakeRegistry) RemoveLatestModule(context.Context, manifest.UID) error { return nil }
func (r *fakeRegistry) AllUIDs(context.Context) ([]manifest.UID, error)        { return nil, nil }

var _ asset.Registry = (*fakeRegistry)(nil)

// recordingGuest counts invocations and can be made to fault on a
// specific block height, to exercise spec.md §8 scenario 3 ("guest trap
// mid-batch").
type recordingGuest struct {
	mu         sync.Mutex
	seen       []nodeclient.Block
	batchSizes []int // len(blocks) passed to each RunBatch call
	faultOn    uint64
	closeCalls int
}

func (g *recordingGuest) RunBatch(_ context.Context, blocks []nodeclient.Block, _ *hostbridge.BlockContext) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.batchSizes = append(g.batchSizes, len(blocks))
	for _, b := range blocks {
		g.seen = append(g.seen, b)
		if g.faultOn != 0 && b.Height == g.faultOn {
			return errors.New("guest: simulated fault at block")
		}
	}
	return nil
}

func (g *recordingGuest) Close(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeCalls++
	return nil
}

func baseManifest() manifest.Manifest {
	return manifest.Manifest{
		Namespace:     "demo",
		Identifier:    "indexer",
		GraphQLSchema: "schema.graphql",
		ModuleKind:    manifest.ModuleNative,
		ModulePath:    "noop",
	}
}

func blocksFrom(heights ...uint64) []nodeclient.Block {
	out := make([]nodeclient.Block, 0, len(heights))
	for _, h := range heights {
		out = append(out, nodeclient.Block{Height: h, Payload: []byte("payload")})
	}
	return out
}

// TestColdStartProcessesFromStartBlock covers spec.md §8 scenario 1: a
// fresh index with no prior committed state begins at StartBlock (here,
// the default of 1).
func TestColdStartProcessesFromStartBlock(t *testing.T) {
	ctx := t.Context()
	node := nodeclienttest.NewFake(blocksFrom(1, 2, 3))
	registry := newFakeRegistry()
	m := baseManifest()

	e, err := executor.New(ctx, executor.Config{
		Manifest: m,
		Guest:    &recordingGuest{},
		Session:  dbsessiontest.NewFake(),
		Node:     node,
		Registry: registry,
		Logger:   log.Nop(),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.Cursor())
}

// TestResumableRestartUsesLastCommittedBlock covers spec.md §8 scenario
// 2: a resumable index that previously committed through height 5 must
// resume at 6, ignoring StartBlock.
func TestResumableRestartUsesLastCommittedBlock(t *testing.T) {
	ctx := t.Context()
	m := baseManifest()
	m.Resumable = true
	m.StartBlock = 1

	registry := newFakeRegistry()
	require.NoError(t, registry.RecordCommittedBlock(ctx, m.UID(), 5))

	e, err := executor.New(ctx, executor.Config{
		Manifest: m,
		Guest:    &recordingGuest{},
		Session:  dbsessiontest.NewFake(),
		Node:     nodeclienttest.NewFake(nil),
		Registry: registry,
		Logger:   log.Nop(),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(6), e.Cursor())
}

// TestCancelStopsRunLoopPromptly covers spec.md §8 invariant 3: calling
// Cancel guarantees Run reaches Terminal without requiring new blocks to
// arrive, even while idling.
func TestCancelStopsRunLoopPromptly(t *testing.T) {
	ctx := t.Context()
	m := baseManifest()
	node := nodeclienttest.NewFake(nil) // always empty: forces the idle path
	guest := &recordingGuest{}
	registry := newFakeRegistry()

	e, err := executor.New(ctx, executor.Config{
		Manifest: m,
		Guest:    guest,
		Session:  dbsessiontest.NewFake(),
		Node:     node,
		Registry: registry,
		Logger:   log.Nop(),
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	e.Cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
	require.Equal(t, executor.Terminal, e.Phase())
	require.Equal(t, 1, guest.closeCalls)
}

// TestGuestFaultAdvancesPastPoisonedBlockByDefault covers spec.md §8
// scenario 3: a guest trap on one block reverts that block's transaction
// and advances the cursor past it, rather than retrying forever.
func TestGuestFaultAdvancesPastPoisonedBlockByDefault(t *testing.T) {
	ctx := t.Context()
	m := baseManifest()
	node := nodeclienttest.NewFake(blocksFrom(1))
	guest := &recordingGuest{faultOn: 1}
	registry := newFakeRegistry()

	e, err := executor.New(ctx, executor.Config{
		Manifest: m,
		Guest:    guest,
		Session:  dbsessiontest.NewFake(),
		Node:     node,
		Registry: registry,
		Logger:   log.Nop(),
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return e.Cursor() == 2
	}, time.Second, time.Millisecond)

	e.Cancel()
	<-done
}

// TestMultiBlockBatchCommitsOnePerBlock covers spec.md §8 scenario 1's
// literal expectation ("three committed transactions") and invariant 1:
// a single fetch that returns more than one block must still commit each
// block in its own transaction, not one transaction for the whole fetch.
func TestMultiBlockBatchCommitsOnePerBlock(t *testing.T) {
	ctx := t.Context()
	m := baseManifest()
	node := nodeclienttest.NewFake(blocksFrom(1, 2, 3))
	guest := &recordingGuest{}
	registry := newFakeRegistry()
	session := dbsessiontest.NewFake()

	e, err := executor.New(ctx, executor.Config{
		Manifest: m,
		Guest:    guest,
		Session:  session,
		Node:     node,
		Registry: registry,
		Logger:   log.Nop(),
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return session.CommitCount() == 3
	}, time.Second, time.Millisecond)

	e.Cancel()
	<-done

	guest.mu.Lock()
	defer guest.mu.Unlock()
	require.Equal(t, []int{1, 1, 1}, guest.batchSizes, "guest must be invoked once per block, not once per fetch")
}

// TestFailFastManifestStopsOnGuestFault covers the fail_fast manifest
// flag (SPEC_FULL.md §9, open question 1 resolution): a guest fault
// transitions straight to Terminal instead of skipping the block.
func TestFailFastManifestStopsOnGuestFault(t *testing.T) {
	ctx := t.Context()
	m := baseManifest()
	m.FailFast = true
	node := nodeclienttest.NewFake(blocksFrom(1))
	guest := &recordingGuest{faultOn: 1}
	registry := newFakeRegistry()

	e, err := executor.New(ctx, executor.Config{
		Manifest: m,
		Guest:    guest,
		Session:  dbsessiontest.NewFake(),
		Node:     node,
		Registry: registry,
		Logger:   log.Nop(),
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not reach Terminal on fail-fast fault")
	}
	require.Equal(t, executor.Terminal, e.Phase())
	require.Equal(t, uint64(1), e.Cursor()) // never advanced past the poisoned block
}

// TestStopIdleIndexersTerminatesAfterTimeout covers the StopIdleIndexers
// manifest option: an index configured to stop when idle reaches
// Terminal on its own once IdleTimeout elapses with no new blocks.
func TestStopIdleIndexersTerminatesAfterTimeout(t *testing.T) {
	ctx := t.Context()
	m := baseManifest()
	m.StopIdleIndexers = true
	node := nodeclienttest.NewFake(nil)
	registry := newFakeRegistry()

	e, err := executor.New(ctx, executor.Config{
		Manifest:    m,
		Guest:       &recordingGuest{},
		Session:     dbsessiontest.NewFake(),
		Node:        node,
		Registry:    registry,
		Logger:      log.Nop(),
		IdleTimeout: 1 * time.Millisecond,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not self-terminate on idle timeout")
	}
	require.Equal(t, executor.Terminal, e.Phase())
}
