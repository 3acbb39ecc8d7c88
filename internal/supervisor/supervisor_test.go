package supervisor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/weisyn/indexer/internal/asset"
	"github.com/weisyn/indexer/internal/dbsession"
	"github.com/weisyn/indexer/internal/dbsession/dbsessiontest"
	"github.com/weisyn/indexer/internal/executor"
	"github.com/weisyn/indexer/internal/hostbridge"
	"github.com/weisyn/indexer/internal/log"
	"github.com/weisyn/indexer/internal/manifest"
	"github.com/weisyn/indexer/internal/nodeclient"
	"github.com/weisyn/indexer/internal/nodeclient/nodeclienttest"
	"github.com/weisyn/indexer/internal/schema"
	"github.com/weisyn/indexer/internal/supervisor"
)

// noopGuest never touches blocks; the supervisor tests exercise lifecycle
// transitions, not block processing (that is executor's job).
type noopGuest struct{}

func (noopGuest) RunBatch(context.Context, []nodeclient.Block, *hostbridge.BlockContext) error {
	return nil
}
func (noopGuest) Close(context.Context) error { return nil }

func testSchema(t *testing.T) *schema.Map {
	t.Helper()
	m, err := schema.Build(manifest.UID{Namespace: "demo", Identifier: "v1"}, []schema.Row{
		{TypeID: 1, Table: "thing", Column: "id", Ordinal: 0},
		{TypeID: 1, Table: "thing", Column: "account", Ordinal: 1},
	})
	require.NoError(t, err)
	return m
}

// fakeRegistry is an in-memory asset.Registry that tracks a module asset
// version history per uid, enough to exercise Register/Reload/Revert.
type fakeRegistry struct {
	mu       sync.Mutex
	versions map[string][]asset.Asset // index by uid string; append-only, latest is last
	manifest map[string][]byte
}

func newFakeRegistry(m manifest.Manifest) *fakeRegistry {
	mb, err := manifest.Marshal(m)
	if err != nil {
		panic(err)
	}
	return &fakeRegistry{
		versions: map[string][]asset.Asset{m.UID().String(): {{Kind: asset.KindModule, Version: 1, Bytes: []byte("v1")}}},
		manifest: map[string][]byte{m.UID().String(): mb},
	}
}

func (r *fakeRegistry) Latest(_ context.Context, uid manifest.UID) (asset.Triple, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.versions[uid.String()]
	if len(versions) == 0 {
		return asset.Triple{}, errors.New("fakeRegistry: no module assets")
	}
	return asset.Triple{
		Module:   versions[len(versions)-1],
		Manifest: asset.Asset{Kind: asset.KindManifest, Bytes: r.manifest[uid.String()]},
	}, nil
}

func (r *fakeRegistry) Penultimate(_ context.Context, uid manifest.UID) (asset.Triple, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.versions[uid.String()]
	if len(versions) < 2 {
		return asset.Triple{}, errors.New("fakeRegistry: no penultimate module asset")
	}
	return asset.Triple{
		Module:   versions[len(versions)-2],
		Manifest: asset.Asset{Kind: asset.KindManifest, Bytes: r.manifest[uid.String()]},
	}, nil
}

func (r *fakeRegistry) EnsureIndex(context.Context, manifest.UID) error { return nil }

func (r *fakeRegistry) Put(_ context.Context, uid manifest.UID, kind asset.Kind, bytes []byte) (asset.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := asset.Asset{Kind: kind, Version: int64(len(r.versions[uid.String()]) + 1), Bytes: bytes}
	r.versions[uid.String()] = append(r.versions[uid.String()], a)
	return a, nil
}

func (r *fakeRegistry) RemoveLatestModule(_ context.Context, uid manifest.UID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.versions[uid.String()]
	if len(versions) == 0 {
		return errors.New("fakeRegistry: no module asset to remove")
	}
	r.versions[uid.String()] = versions[:len(versions)-1]
	return nil
}

func (r *fakeRegistry) AllUIDs(context.Context) ([]manifest.UID, error) { return nil, nil }

func (r *fakeRegistry) LastCommittedBlock(context.Context, manifest.UID) (uint64, bool, error) {
	return 0, false, nil
}

func (r *fakeRegistry) RecordCommittedBlock(context.Context, manifest.UID, uint64) error { return nil }

func (r *fakeRegistry) addVersion(uid manifest.UID, bytes []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[uid.String()] = append(r.versions[uid.String()], asset.Asset{
		Kind: asset.KindModule, Version: int64(len(r.versions[uid.String()]) + 1), Bytes: bytes,
	})
}

// fakeSchemaRegistrar records every schema.Registrar.Commit call so tests
// can assert the decomposition reached it, without needing a database.
type fakeSchemaRegistrar struct {
	mu      sync.Mutex
	commits []schema.Row
}

func (r *fakeSchemaRegistrar) Commit(_ context.Context, _ manifest.UID, _ string, source string) ([]schema.Row, error) {
	rows, err := schema.Decompose(source)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.commits = append(r.commits, rows...)
	r.mu.Unlock()
	return rows, nil
}

func testDeps(t *testing.T, registry *fakeRegistry) supervisor.Dependencies {
	t.Helper()
	return supervisor.Dependencies{
		Registry: registry,
		Schema:   &fakeSchemaRegistrar{},
		NewGuest: func(context.Context, manifest.Manifest, []byte) (executor.Guest, error) {
			return noopGuest{}, nil
		},
		LoadSchema: func(context.Context, manifest.UID) (*schema.Map, error) {
			return testSchema(t), nil
		},
		NewSession: func() dbsession.Handle { return dbsessiontest.NewFake() },
		Node:       nodeclienttest.NewFake(nil),
		Logger:     log.Nop(),
	}
}

func runSupervisor(t *testing.T, s *supervisor.Supervisor) (context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	return ctx, cancel
}

// TestRevertRestartsFromPenultimate covers spec.md §8 scenario 5: a
// revert removes the latest module asset and spawns an executor from the
// penultimate bytes.
func TestRevertRestartsFromPenultimate(t *testing.T) {
	m := manifest.Manifest{
		Namespace: "demo", Identifier: "v1", GraphQLSchema: "schema.graphql",
		ModuleKind: manifest.ModuleNative, ModulePath: "noop",
	}
	registry := newFakeRegistry(m)
	registry.addVersion(m.UID(), []byte("v2")) // two versions now exist: v1, v2

	deps := testDeps(t, registry)
	var guestMu sync.Mutex
	var lastModule []byte
	deps.NewGuest = func(_ context.Context, _ manifest.Manifest, moduleBytes []byte) (executor.Guest, error) {
		guestMu.Lock()
		lastModule = moduleBytes
		guestMu.Unlock()
		return noopGuest{}, nil
	}

	s := supervisor.New(deps)
	ctx, cancel := runSupervisor(t, s)
	defer cancel()

	require.NoError(t, s.Register(ctx, m.UID()))
	require.NoError(t, s.Revert(ctx, m.UID()))

	registry.mu.Lock()
	remaining := len(registry.versions[m.UID().String()])
	registry.mu.Unlock()
	require.Equal(t, 1, remaining, "latest module asset should have been removed")

	guestMu.Lock()
	spawnedFrom := string(lastModule)
	guestMu.Unlock()
	require.Equal(t, "v1", spawnedFrom, "reverted executor must be built from the penultimate module bytes")
}

// TestRevertFailureLeavesRunningExecutorUndisturbed covers spec.md §7
// "Supervisor errors": when a revert fails (here there is no penultimate
// version, so nothing is removed), the existing executor must be left
// running, not cancelled.
func TestRevertFailureLeavesRunningExecutorUndisturbed(t *testing.T) {
	m := manifest.Manifest{
		Namespace: "demo", Identifier: "solo", GraphQLSchema: "schema.graphql",
		ModuleKind: manifest.ModuleNative, ModulePath: "noop",
	}
	registry := newFakeRegistry(m) // only one version: no penultimate

	s := supervisor.New(testDeps(t, registry))
	ctx, cancel := runSupervisor(t, s)
	defer cancel()

	require.NoError(t, s.Register(ctx, m.UID()))
	err := s.Revert(ctx, m.UID())
	require.Error(t, err)

	registry.mu.Lock()
	remaining := len(registry.versions[m.UID().String()])
	registry.mu.Unlock()
	require.Equal(t, 1, remaining, "failed revert must not remove the only module asset")

	// The original executor still holds uid's handle.
	require.ErrorIs(t, s.Register(ctx, m.UID()), supervisor.ErrAlreadyRunning)
}

// TestStopUnknownIndexIsIdempotentNoOp covers spec.md §8 scenario 6 and
// the idempotence property: stopping an unregistered uid never errors
// and the supervisor keeps serving subsequent requests.
func TestStopUnknownIndexIsIdempotentNoOp(t *testing.T) {
	m := manifest.Manifest{
		Namespace: "demo", Identifier: "v1", GraphQLSchema: "schema.graphql",
		ModuleKind: manifest.ModuleNative, ModulePath: "noop",
	}
	registry := newFakeRegistry(m)
	s := supervisor.New(testDeps(t, registry))
	ctx, cancel := runSupervisor(t, s)
	defer cancel()

	unknown := manifest.UID{Namespace: "nope", Identifier: "nope"}
	require.NoError(t, s.Stop(ctx, unknown))
	require.NoError(t, s.Stop(ctx, unknown)) // twice: still a no-op

	// Supervisor must still serve subsequent requests.
	require.NoError(t, s.Register(ctx, m.UID()))
}

// TestRegisterTwiceFails covers spec.md §8 invariant 2: exactly one
// executor runs per uid at a time.
func TestRegisterTwiceFails(t *testing.T) {
	m := manifest.Manifest{
		Namespace: "demo", Identifier: "v1", GraphQLSchema: "schema.graphql",
		ModuleKind: manifest.ModuleNative, ModulePath: "noop",
	}
	registry := newFakeRegistry(m)
	s := supervisor.New(testDeps(t, registry))
	ctx, cancel := runSupervisor(t, s)
	defer cancel()

	require.NoError(t, s.Register(ctx, m.UID()))
	err := s.Register(ctx, m.UID())
	require.ErrorIs(t, err, supervisor.ErrAlreadyRunning)
}

// TestReloadKeepsExactlyOneExecutorLive covers spec.md §8 invariant 5:
// after AssetReload completes, the new executor is live; there is never
// a point observable from the public API where zero executors serve uid.
func TestReloadKeepsExactlyOneExecutorLive(t *testing.T) {
	m := manifest.Manifest{
		Namespace: "demo", Identifier: "v1", GraphQLSchema: "schema.graphql",
		ModuleKind: manifest.ModuleNative, ModulePath: "noop",
	}
	registry := newFakeRegistry(m)
	s := supervisor.New(testDeps(t, registry))
	ctx, cancel := runSupervisor(t, s)
	defer cancel()

	require.NoError(t, s.Register(ctx, m.UID()))

	registry.addVersion(m.UID(), []byte("v2"))
	require.NoError(t, s.Reload(ctx, m.UID()))

	// A second reload also succeeds.
	registry.addVersion(m.UID(), []byte("v3"))
	require.NoError(t, s.Reload(ctx, m.UID()))

	// Register fails only while uid has a live handle, so the reloads left
	// an executor in place rather than none.
	require.ErrorIs(t, s.Register(ctx, m.UID()), supervisor.ErrAlreadyRunning)
}

// manifestRegistry is a from-scratch asset.Registry that, unlike
// fakeRegistry, tracks a separate version sequence per (uid, kind) —
// the shape RegisterFromManifest actually exercises, since it persists
// three distinct-kind assets for the same uid in one call.
type manifestRegistry struct {
	mu      sync.Mutex
	indexed map[string]bool
	assets  map[string]map[asset.Kind][]asset.Asset
}

func newManifestRegistry() *manifestRegistry {
	return &manifestRegistry{
		indexed: make(map[string]bool),
		assets:  make(map[string]map[asset.Kind][]asset.Asset),
	}
}

func (r *manifestRegistry) EnsureIndex(_ context.Context, uid manifest.UID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed[uid.String()] = true
	return nil
}

func (r *manifestRegistry) Put(_ context.Context, uid manifest.UID, kind asset.Kind, bytes []byte) (asset.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.assets[uid.String()] == nil {
		r.assets[uid.String()] = make(map[asset.Kind][]asset.Asset)
	}
	history := r.assets[uid.String()][kind]
	a := asset.Asset{UID: uid, Kind: kind, Version: int64(len(history) + 1), Bytes: bytes}
	r.assets[uid.String()][kind] = append(history, a)
	return a, nil
}

func (r *manifestRegistry) Latest(_ context.Context, uid manifest.UID) (asset.Triple, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byKind := r.assets[uid.String()]
	module := byKind[asset.KindModule]
	manifestAssets := byKind[asset.KindManifest]
	schemaAssets := byKind[asset.KindSchema]
	if len(module) == 0 || len(manifestAssets) == 0 || len(schemaAssets) == 0 {
		return asset.Triple{}, errors.New("manifestRegistry: incomplete triple")
	}
	return asset.Triple{
		Module:   module[len(module)-1],
		Manifest: manifestAssets[len(manifestAssets)-1],
		Schema:   schemaAssets[len(schemaAssets)-1],
	}, nil
}

func (r *manifestRegistry) Penultimate(context.Context, manifest.UID) (asset.Triple, error) {
	return asset.Triple{}, errors.New("manifestRegistry: no penultimate")
}
func (r *manifestRegistry) RemoveLatestModule(context.Context, manifest.UID) error { return nil }
func (r *manifestRegistry) AllUIDs(context.Context) ([]manifest.UID, error)        { return nil, nil }
func (r *manifestRegistry) LastCommittedBlock(context.Context, manifest.UID) (uint64, bool, error) {
	return 0, false, nil
}
func (r *manifestRegistry) RecordCommittedBlock(context.Context, manifest.UID, uint64) error {
	return nil
}

var _ asset.Registry = (*manifestRegistry)(nil)

// TestRegisterFromManifestPersistsTripleAndSpawns covers spec.md §4.5
// "Register (from manifest)": a brand-new index is created purely from a
// manifest, module bytes, and a GraphQL schema source — no pre-existing
// asset rows required — and ends up with a running executor.
func TestRegisterFromManifestPersistsTripleAndSpawns(t *testing.T) {
	m := manifest.Manifest{
		Namespace: "demo", Identifier: "v1", GraphQLSchema: "schema.graphql",
		ModuleKind: manifest.ModuleNative, ModulePath: "noop",
	}
	registry := newManifestRegistry()
	registrar := &fakeSchemaRegistrar{}

	s := supervisor.New(supervisor.Dependencies{
		Registry: registry,
		Schema:   registrar,
		NewGuest: func(context.Context, manifest.Manifest, []byte) (executor.Guest, error) {
			return noopGuest{}, nil
		},
		LoadSchema: func(context.Context, manifest.UID) (*schema.Map, error) {
			return testSchema(t), nil
		},
		NewSession: func() dbsession.Handle { return dbsessiontest.NewFake() },
		Node:       nodeclienttest.NewFake(nil),
		Logger:     log.Nop(),
	})
	ctx, cancel := runSupervisor(t, s)
	defer cancel()

	graphqlSource := `type Thing { id: ID! account: String! }`
	require.NoError(t, s.RegisterFromManifest(ctx, m, []byte("module-bytes"), graphqlSource))

	registry.mu.Lock()
	indexed := registry.indexed[m.UID().String()]
	triple := registry.assets[m.UID().String()]
	registry.mu.Unlock()
	require.True(t, indexed, "index row must be created")
	require.Len(t, triple[asset.KindModule], 1)
	require.Len(t, triple[asset.KindManifest], 1)
	require.Len(t, triple[asset.KindSchema], 1)

	registrar.mu.Lock()
	commits := len(registrar.commits)
	registrar.mu.Unlock()
	require.Equal(t, 2, commits, "schema decomposition must reach the registrar (id + account columns)")

	// A second RegisterFromManifest for the same, now-running uid fails:
	// use Reload to pick up a new version instead.
	err := s.RegisterFromManifest(ctx, m, []byte("module-bytes-2"), graphqlSource)
	require.ErrorIs(t, err, supervisor.ErrAlreadyRunning)
}

// TestRegisterFromManifestRejectsInvalidManifest covers spec.md §7
// "Configuration errors": an invalid manifest never persists an asset or
// spawns an executor.
func TestRegisterFromManifestRejectsInvalidManifest(t *testing.T) {
	registry := newManifestRegistry()
	s := supervisor.New(supervisor.Dependencies{
		Registry: registry,
		Schema:   &fakeSchemaRegistrar{},
		NewGuest: func(context.Context, manifest.Manifest, []byte) (executor.Guest, error) {
			return noopGuest{}, nil
		},
		LoadSchema: func(context.Context, manifest.UID) (*schema.Map, error) { return testSchema(t), nil },
		NewSession: func() dbsession.Handle { return dbsessiontest.NewFake() },
		Node:       nodeclienttest.NewFake(nil),
		Logger:     log.Nop(),
	})
	ctx, cancel := runSupervisor(t, s)
	defer cancel()

	invalid := manifest.Manifest{Namespace: "demo", Identifier: "bad"} // missing graphql_schema, module_kind, module
	err := s.RegisterFromManifest(ctx, invalid, []byte("bytes"), `type Thing { id: ID! }`)
	require.Error(t, err)

	registry.mu.Lock()
	_, exists := registry.assets[invalid.UID().String()]
	registry.mu.Unlock()
	require.False(t, exists, "invalid manifest must not persist any asset")
}

// TestRequestsTimeOutWithoutARunningConsumer ensures send() does not
// deadlock forever if Run was never started for this Supervisor.
func TestRequestsTimeOutWithoutARunningConsumer(t *testing.T) {
	registry := newFakeRegistry(manifest.Manifest{Namespace: "demo", Identifier: "v1"})
	s := supervisor.New(testDeps(t, registry))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Register(ctx, manifest.UID{Namespace: "demo", Identifier: "v1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
