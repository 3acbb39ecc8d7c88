// Package supervisor implements the Supervisor: the single actor that
// owns every running Executor, serializing all lifecycle transitions
// (register, reload, stop, revert) through one consumer goroutine so two
// operations against the same index can never race (spec.md §4.5).
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/weisyn/indexer/internal/asset"
	"github.com/weisyn/indexer/internal/dbsession"
	"github.com/weisyn/indexer/internal/executor"
	"github.com/weisyn/indexer/internal/log"
	"github.com/weisyn/indexer/internal/manifest"
	"github.com/weisyn/indexer/internal/nodeclient"
	"github.com/weisyn/indexer/internal/schema"
)

// Telemetry observes Supervisor activity. The default implementation is
// a no-op; cmd/indexer wires a Prometheus-backed implementation.
type Telemetry interface {
	ExecutorRegistered(uid manifest.UID)
	ExecutorRetired(uid manifest.UID)
	ExecutorReloaded(uid manifest.UID)
}

type nopTelemetry struct{}

func (nopTelemetry) ExecutorRegistered(manifest.UID) {}
func (nopTelemetry) ExecutorRetired(manifest.UID)    {}
func (nopTelemetry) ExecutorReloaded(manifest.UID)   {}

// NopTelemetry is the zero-cost Telemetry implementation.
var NopTelemetry Telemetry = nopTelemetry{}

// GuestFactory builds a fresh Guest from an index's current Manifest and
// its Module asset bytes. Only the caller knows whether ModuleKind
// selects a wasmrt-backed sandbox or a registered native handler.
type GuestFactory func(ctx context.Context, m manifest.Manifest, moduleBytes []byte) (executor.Guest, error)

// SchemaLoader resolves the current Schema Map for uid, typically by
// querying the schema_column table (schema.LoadFromDatabase).
type SchemaLoader func(ctx context.Context, uid manifest.UID) (*schema.Map, error)

// SessionFactory builds a fresh DB Session for one executor's lifetime.
type SessionFactory func() dbsession.Handle

// Dependencies bundles every collaborator the Supervisor needs to turn a
// bare UID into a running Executor.
type Dependencies struct {
	Registry  asset.Registry
	Schema    schema.Registrar
	NewGuest  GuestFactory
	LoadSchema SchemaLoader
	NewSession SessionFactory
	Node      nodeclient.Client
	Logger    log.Logger
	Telemetry Telemetry
}

// handle is everything the Supervisor tracks for one running index.
type handle struct {
	exec *executor.Executor
}

// request is the Supervisor's internal message type. Every public method
// sends one into inbox and waits on reply; the single consumer goroutine
// in run is the only thing that ever reads or writes handles, so no
// explicit lock is needed around map access.
type request struct {
	kind  requestKind
	uid   manifest.UID
	reply chan error

	// Only set for kindRegisterFromManifest.
	manifest      manifest.Manifest
	moduleBytes   []byte
	graphqlSource string
}

type requestKind int

const (
	kindRegister requestKind = iota
	kindRegisterFromManifest
	kindReload
	kindStop
	kindRevert
)

// Errors returned synchronously from the public API or surfaced through
// a request's reply channel.
var (
	ErrUnknownIndex  = errors.New("supervisor: unknown index")
	ErrAlreadyRunning = errors.New("supervisor: index already running")
)

// Supervisor serializes all lifecycle operations for a set of indexes
// through a single goroutine (Run). Construct with New, then call Run in
// its own goroutine before using Register/Reload/Stop/Revert.
type Supervisor struct {
	deps Dependencies

	handles map[string]*handle

	inbox chan request
	wg    sync.WaitGroup // tracks retirement-consumer goroutines at shutdown
}

// New builds a Supervisor. Run must be started before any lifecycle
// method is called.
func New(deps Dependencies) *Supervisor {
	if deps.Telemetry == nil {
		deps.Telemetry = NopTelemetry
	}
	return &Supervisor{
		deps:    deps,
		handles: make(map[string]*handle),
		inbox:   make(chan request),
	}
}

// Run is the Supervisor's single consumer goroutine. It processes
// requests one at a time until ctx is cancelled, at which point every
// running Executor is cancelled and Run waits for them to retire before
// returning.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case req := <-s.inbox:
			req.reply <- s.handle(ctx, req)
		}
	}
}

func (s *Supervisor) shutdown() {
	for _, h := range s.handles {
		h.exec.Cancel()
	}
	for _, h := range s.handles {
		<-h.exec.Done()
	}
	s.wg.Wait()
}

func (s *Supervisor) handle(ctx context.Context, req request) error {
	switch req.kind {
	case kindRegister:
		return s.doRegister(ctx, req.uid)
	case kindRegisterFromManifest:
		return s.doRegisterFromManifest(ctx, req.manifest, req.moduleBytes, req.graphqlSource)
	case kindReload:
		return s.doReload(ctx, req.uid)
	case kindStop:
		return s.doStop(req.uid)
	case kindRevert:
		return s.doRevert(ctx, req.uid)
	default:
		return errors.Errorf("supervisor: unknown request kind %d", req.kind)
	}
}

// Register starts an Executor for uid from its latest asset triple. A
// second Register for an already-running uid fails: use Reload instead.
func (s *Supervisor) Register(ctx context.Context, uid manifest.UID) error {
	return s.send(ctx, request{kind: kindRegister, uid: uid})
}

// RegisterFromManifest onboards a brand-new index (spec.md §4.5
// "Register (from manifest)"): it validates m and graphqlSource, creates
// the index row and its schema_column decomposition, persists the
// initial (Module, Manifest, Schema) triple with a version bump, and
// spawns the executor. A second call for an already-running uid fails;
// use Reload to pick up a new manifest/module/schema version instead.
func (s *Supervisor) RegisterFromManifest(ctx context.Context, m manifest.Manifest, moduleBytes []byte, graphqlSource string) error {
	return s.send(ctx, request{
		kind:          kindRegisterFromManifest,
		uid:           m.UID(),
		manifest:      m,
		moduleBytes:   moduleBytes,
		graphqlSource: graphqlSource,
	})
}

// Reload replaces the running Executor for uid with a fresh one built
// from the latest asset triple, spawning the new executor before
// cancelling the old one so there is no window where uid has zero
// coverage (spec.md §4.5 "AssetReload"). During the swap both executors
// may briefly write the same block range; writes are upserts keyed by
// entity id, so the later write of a row is the one that stands.
func (s *Supervisor) Reload(ctx context.Context, uid manifest.UID) error {
	return s.send(ctx, request{kind: kindReload, uid: uid})
}

// Stop cancels and retires the Executor for uid. Stopping an unknown uid
// is not an error: it is logged and ignored (spec.md §4.5 "IndexStop"),
// so Stop returns nil whether or not uid is running. It returns an error
// only when ctx ends before the Supervisor replies.
func (s *Supervisor) Stop(ctx context.Context, uid manifest.UID) error {
	return s.send(ctx, request{kind: kindStop, uid: uid})
}

// Revert removes the latest Module asset for uid and restarts the
// Executor from the penultimate triple (spec.md §4.5 "IndexRevert").
func (s *Supervisor) Revert(ctx context.Context, uid manifest.UID) error {
	return s.send(ctx, request{kind: kindRevert, uid: uid})
}

func (s *Supervisor) send(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case s.inbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) doRegister(ctx context.Context, uid manifest.UID) error {
	if _, exists := s.handles[uid.String()]; exists {
		return ErrAlreadyRunning
	}
	triple, err := s.deps.Registry.Latest(ctx, uid)
	if err != nil {
		return errors.Wrap(err, "supervisor: load latest triple")
	}
	exec, err := s.spawn(ctx, triple)
	if err != nil {
		return err
	}
	s.handles[uid.String()] = &handle{exec: exec}
	s.deps.Telemetry.ExecutorRegistered(uid)
	return nil
}

// doRegisterFromManifest implements spec.md §4.5 "Register (from
// manifest)": create the DB rows for index+schema, persist the three
// assets with a version bump, then spawn — in that order, so a bad
// manifest or an unparsable GraphQL schema never persists an asset or
// touches the handle map (configuration errors are fatal at register
// time, spec.md §7).
func (s *Supervisor) doRegisterFromManifest(ctx context.Context, m manifest.Manifest, moduleBytes []byte, graphqlSource string) error {
	uid := m.UID()
	if _, exists := s.handles[uid.String()]; exists {
		return ErrAlreadyRunning
	}
	if err := m.Validate(); err != nil {
		return errors.Wrap(err, "supervisor: invalid manifest")
	}
	if _, err := schema.Decompose(graphqlSource); err != nil {
		return errors.Wrap(err, "supervisor: invalid graphql schema")
	}

	if err := s.deps.Registry.EnsureIndex(ctx, uid); err != nil {
		return errors.Wrap(err, "supervisor: create index row")
	}

	schemaAsset, err := s.deps.Registry.Put(ctx, uid, asset.KindSchema, []byte(graphqlSource))
	if err != nil {
		return errors.Wrap(err, "supervisor: persist schema asset")
	}
	if _, err := s.deps.Schema.Commit(ctx, uid, fmt.Sprintf("%d", schemaAsset.Version), graphqlSource); err != nil {
		return errors.Wrap(err, "supervisor: commit schema decomposition")
	}

	manifestBytes, err := manifest.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "supervisor: marshal manifest")
	}
	manifestAsset, err := s.deps.Registry.Put(ctx, uid, asset.KindManifest, manifestBytes)
	if err != nil {
		return errors.Wrap(err, "supervisor: persist manifest asset")
	}

	moduleAsset, err := s.deps.Registry.Put(ctx, uid, asset.KindModule, moduleBytes)
	if err != nil {
		return errors.Wrap(err, "supervisor: persist module asset")
	}

	triple := asset.Triple{Module: moduleAsset, Manifest: manifestAsset, Schema: schemaAsset}
	exec, err := s.spawn(ctx, triple)
	if err != nil {
		return err
	}
	s.handles[uid.String()] = &handle{exec: exec}
	s.deps.Telemetry.ExecutorRegistered(uid)
	return nil
}

func (s *Supervisor) doReload(ctx context.Context, uid manifest.UID) error {
	old, exists := s.handles[uid.String()]
	if !exists {
		return s.doRegister(ctx, uid)
	}

	triple, err := s.deps.Registry.Latest(ctx, uid)
	if err != nil {
		return errors.Wrap(err, "supervisor: load latest triple")
	}
	fresh, err := s.spawn(ctx, triple)
	if err != nil {
		return err
	}

	// New-up-then-old-down: the fresh executor is already running and
	// owns the index's writes before the old one is torn down, so block
	// coverage never has a gap (spec.md §4.5 invariant).
	s.handles[uid.String()] = &handle{exec: fresh}
	s.retire(old.exec, uid)
	s.deps.Telemetry.ExecutorReloaded(uid)
	return nil
}

func (s *Supervisor) doStop(uid manifest.UID) error {
	h, exists := s.handles[uid.String()]
	if !exists {
		if s.deps.Logger != nil {
			s.deps.Logger.Warn("stop requested for unknown index", log.F("uid", uid.String()))
		}
		return nil
	}
	delete(s.handles, uid.String())
	s.retire(h.exec, uid)
	return nil
}

func (s *Supervisor) doRevert(ctx context.Context, uid manifest.UID) error {
	h, exists := s.handles[uid.String()]
	if !exists {
		return ErrUnknownIndex
	}

	penultimate, err := s.deps.Registry.Penultimate(ctx, uid)
	if err != nil {
		return errors.Wrap(err, "supervisor: load penultimate triple")
	}
	if err := s.deps.Registry.RemoveLatestModule(ctx, uid); err != nil {
		return errors.Wrap(err, "supervisor: remove latest module")
	}

	fresh, err := s.spawn(ctx, penultimate)
	if err != nil {
		return err
	}
	s.handles[uid.String()] = &handle{exec: fresh}
	s.retire(h.exec, uid)
	return nil
}

// spawn builds and starts a new Executor from triple, running it on its
// own goroutine.
func (s *Supervisor) spawn(ctx context.Context, triple asset.Triple) (*executor.Executor, error) {
	m, err := manifest.Parse(triple.Manifest.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: parse manifest asset")
	}

	schemaMap, err := s.deps.LoadSchema(ctx, m.UID())
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: load schema map")
	}

	guest, err := s.deps.NewGuest(ctx, m, triple.Module.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: build guest")
	}

	exec, err := executor.New(ctx, executor.Config{
		Manifest: m,
		Schema:   schemaMap,
		Version:  fmt.Sprintf("%d", triple.Module.Version),
		Guest:    guest,
		Session:  s.deps.NewSession(),
		Node:     s.deps.Node,
		Registry: s.deps.Registry,
		Logger:   s.deps.Logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: construct executor")
	}

	go exec.Run(ctx)
	return exec, nil
}

// retire waits for exec to reach Terminal on its own goroutine, so the
// caller (the consumer loop) never blocks on a potentially long-running
// in-flight batch.
func (s *Supervisor) retire(exec *executor.Executor, uid manifest.UID) {
	exec.Cancel()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-exec.Done()
		s.deps.Telemetry.ExecutorRetired(uid)
	}()
}
