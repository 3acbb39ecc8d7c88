// Package asset defines the versioned, immutable blobs (Module, Manifest,
// Schema) that make up an index's executing configuration, and the
// registry that persists and serves them.
package asset

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/weisyn/indexer/internal/manifest"
)

// Kind enumerates the three asset kinds an index owns.
type Kind string

const (
	KindModule   Kind = "module"
	KindManifest Kind = "manifest"
	KindSchema   Kind = "schema"
)

// Asset is one versioned, immutable blob.
type Asset struct {
	ID      int64
	UID     manifest.UID
	Kind    Kind
	Version int64
	Bytes   []byte
}

// Triple is the (Module, Manifest, Schema) set that defines one
// executing configuration of an index.
type Triple struct {
	Module   Asset
	Manifest Asset
	Schema   Asset
}

// Registry persists and serves versioned assets. It is the collaborator
// named in spec.md §4.5/§6; this package provides both the interface and
// a Postgres-backed implementation good enough to run the core end to
// end.
type Registry interface {
	// Latest returns the latest (Module, Manifest, Schema) triple for
	// uid, or an error if the index has no assets.
	Latest(ctx context.Context, uid manifest.UID) (Triple, error)

	// Penultimate returns the triple just before latest, for use as the
	// revert target. Returns an error if there is no prior version.
	Penultimate(ctx context.Context, uid manifest.UID) (Triple, error)

	// EnsureIndex creates the index row for uid if it does not already
	// exist. Idempotent: registering the same uid twice is not an error.
	// Used by "Register (from manifest)" (spec.md §4.5) to create the
	// DB row for a brand-new index before its assets are persisted.
	EnsureIndex(ctx context.Context, uid manifest.UID) error

	// Put appends a new version of kind for uid and returns the
	// resulting asset row, bumping the per-(uid,kind) version sequence.
	Put(ctx context.Context, uid manifest.UID, kind Kind, bytes []byte) (Asset, error)

	// RemoveLatestModule deletes the current latest Module asset row for
	// uid inside its own transaction, so the penultimate becomes latest.
	// Used by IndexRevert (spec.md §4.5).
	RemoveLatestModule(ctx context.Context, uid manifest.UID) error

	// AllUIDs lists every index with at least one asset, for startup
	// registration from the registry (spec.md §4.5 "Register from
	// registry").
	AllUIDs(ctx context.Context) ([]manifest.UID, error)

	// LastCommittedBlock returns the last block height committed for
	// uid, and whether any has ever been committed (used to compute the
	// resumable cursor, spec.md §4.4).
	LastCommittedBlock(ctx context.Context, uid manifest.UID) (height uint64, ok bool, err error)

	// RecordCommittedBlock persists the new high-water mark after a
	// successful commit.
	RecordCommittedBlock(ctx context.Context, uid manifest.UID, height uint64) error
}

// PGRegistry is the Registry implementation backed by a pgx pool. It owns
// no connection-state beyond the pool itself; every operation acquires
// what it needs and releases it before returning.
type PGRegistry struct {
	pool *pgxpool.Pool
}

// NewPGRegistry wraps an existing pool. The pool is shared with the rest
// of the runtime (e.g. internal/dbsession); the registry never pins a
// connection across calls.
func NewPGRegistry(pool *pgxpool.Pool) *PGRegistry {
	return &PGRegistry{pool: pool}
}

func (r *PGRegistry) Latest(ctx context.Context, uid manifest.UID) (Triple, error) {
	var t Triple
	for kind, dst := range map[Kind]*Asset{KindModule: &t.Module, KindManifest: &t.Manifest, KindSchema: &t.Schema} {
		a, err := r.latestOfKind(ctx, uid, kind)
		if err != nil {
			return Triple{}, err
		}
		*dst = a
	}
	return t, nil
}

func (r *PGRegistry) latestOfKind(ctx context.Context, uid manifest.UID, kind Kind) (Asset, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, version, bytes FROM index_asset
		WHERE namespace = $1 AND identifier = $2 AND kind = $3
		ORDER BY version DESC LIMIT 1`,
		uid.Namespace, uid.Identifier, string(kind))

	var a Asset
	a.UID, a.Kind = uid, kind
	if err := row.Scan(&a.ID, &a.Version, &a.Bytes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Asset{}, errors.Errorf("asset: no %s asset for %s", kind, uid)
		}
		return Asset{}, errors.Wrap(err, "asset: query latest")
	}
	return a, nil
}

func (r *PGRegistry) Penultimate(ctx context.Context, uid manifest.UID) (Triple, error) {
	var t Triple
	module, err := r.penultimateOfKind(ctx, uid, KindModule)
	if err != nil {
		return Triple{}, err
	}
	t.Module = module

	// Manifest and schema are carried forward unchanged across a module
	// revert unless the caller bumped them too; fall back to latest.
	manifestAsset, err := r.latestOfKind(ctx, uid, KindManifest)
	if err != nil {
		return Triple{}, err
	}
	t.Manifest = manifestAsset

	schemaAsset, err := r.latestOfKind(ctx, uid, KindSchema)
	if err != nil {
		return Triple{}, err
	}
	t.Schema = schemaAsset
	return t, nil
}

func (r *PGRegistry) penultimateOfKind(ctx context.Context, uid manifest.UID, kind Kind) (Asset, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, version, bytes FROM index_asset
		WHERE namespace = $1 AND identifier = $2 AND kind = $3
		ORDER BY version DESC OFFSET 1 LIMIT 1`,
		uid.Namespace, uid.Identifier, string(kind))

	var a Asset
	a.UID, a.Kind = uid, kind
	if err := row.Scan(&a.ID, &a.Version, &a.Bytes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Asset{}, errors.Errorf("asset: no penultimate %s asset for %s", kind, uid)
		}
		return Asset{}, errors.Wrap(err, "asset: query penultimate")
	}
	return a, nil
}

func (r *PGRegistry) EnsureIndex(ctx context.Context, uid manifest.UID) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO index (namespace, identifier) VALUES ($1, $2)
		ON CONFLICT (namespace, identifier) DO NOTHING`,
		uid.Namespace, uid.Identifier)
	if err != nil {
		return errors.Wrap(err, "asset: ensure index row")
	}
	return nil
}

func (r *PGRegistry) Put(ctx context.Context, uid manifest.UID, kind Kind, bytes []byte) (Asset, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO index_asset (namespace, identifier, kind, version, bytes)
		VALUES ($1, $2, $3,
			COALESCE((SELECT MAX(version) + 1 FROM index_asset
				WHERE namespace = $1 AND identifier = $2 AND kind = $3), 1),
			$4)
		RETURNING id, version`,
		uid.Namespace, uid.Identifier, string(kind), bytes)

	a := Asset{UID: uid, Kind: kind, Bytes: bytes}
	if err := row.Scan(&a.ID, &a.Version); err != nil {
		return Asset{}, errors.Wrap(err, "asset: put")
	}
	return a, nil
}

func (r *PGRegistry) RemoveLatestModule(ctx context.Context, uid manifest.UID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "asset: begin revert tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		DELETE FROM index_asset WHERE id = (
			SELECT id FROM index_asset
			WHERE namespace = $1 AND identifier = $2 AND kind = $3
			ORDER BY version DESC LIMIT 1
		)`, uid.Namespace, uid.Identifier, string(KindModule))
	if err != nil {
		return errors.Wrap(err, "asset: delete latest module")
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("asset: no module asset to remove for %s", uid)
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "asset: commit revert tx")
	}
	return nil
}

func (r *PGRegistry) AllUIDs(ctx context.Context) ([]manifest.UID, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT namespace, identifier FROM index_asset`)
	if err != nil {
		return nil, errors.Wrap(err, "asset: list uids")
	}
	defer rows.Close()

	var uids []manifest.UID
	for rows.Next() {
		var u manifest.UID
		if err := rows.Scan(&u.Namespace, &u.Identifier); err != nil {
			return nil, errors.Wrap(err, "asset: scan uid")
		}
		uids = append(uids, u)
	}
	return uids, rows.Err()
}

func (r *PGRegistry) LastCommittedBlock(ctx context.Context, uid manifest.UID) (uint64, bool, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT last_committed_block FROM index_metadata
		WHERE namespace = $1 AND identifier = $2`, uid.Namespace, uid.Identifier)

	var height int64
	if err := row.Scan(&height); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(err, "asset: query last committed block")
	}
	return uint64(height), true, nil
}

func (r *PGRegistry) RecordCommittedBlock(ctx context.Context, uid manifest.UID, height uint64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO index_metadata (namespace, identifier, last_committed_block)
		VALUES ($1, $2, $3)
		ON CONFLICT (namespace, identifier)
		DO UPDATE SET last_committed_block = EXCLUDED.last_committed_block`,
		uid.Namespace, uid.Identifier, int64(height))
	if err != nil {
		return errors.Wrap(err, "asset: record committed block")
	}
	return nil
}
