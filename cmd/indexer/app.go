package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/weisyn/indexer/internal/asset"
	"github.com/weisyn/indexer/internal/config"
	"github.com/weisyn/indexer/internal/dbsession"
	"github.com/weisyn/indexer/internal/executor"
	"github.com/weisyn/indexer/internal/log"
	"github.com/weisyn/indexer/internal/manifest"
	"github.com/weisyn/indexer/internal/nodeclient"
	"github.com/weisyn/indexer/internal/schema"
	"github.com/weisyn/indexer/internal/supervisor"
	"github.com/weisyn/indexer/internal/wasmrt"
)

// app bundles the long-lived collaborators every subcommand shares. Every
// subcommand builds the same set through newApp; all but migrate then
// build a Supervisor on top of it with buildSupervisor.
type app struct {
	cfg       *config.Config
	pool      *pgxpool.Pool
	registry  *asset.PGRegistry
	registrar *schema.PGRegistrar
	node      nodeclient.Client
	logger    log.Logger
}

func newApp(ctx context.Context, env string) (*app, error) {
	cfg, err := config.Load(env)
	if err != nil {
		return nil, errors.Wrap(err, "indexer: load config")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "indexer: parse database dsn")
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "indexer: connect to database")
	}

	if cfg.Database.MigrateOnStart {
		if err := asset.Bootstrap(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	var logger log.Logger
	if cfg.Logging.Console {
		logger = log.NewConsole(cfg.Logging.Level)
	} else {
		logger = log.New(nil, cfg.Logging.Level)
	}

	return &app{
		cfg:       cfg,
		pool:      pool,
		registry:  asset.NewPGRegistry(pool),
		registrar: schema.NewPGRegistrar(pool),
		node:      nodeclient.NewHTTPClient(cfg.Node.BaseURL, cfg.Node.RequestTimeout),
		logger:    logger,
	}, nil
}

func (a *app) close() {
	a.pool.Close()
}

// buildSupervisor wires a Supervisor able to turn any registered uid into
// a running Executor, dispatching sandboxed modules through a shared
// wasmrt.Runtime and native modules through the in-process handler
// registry (internal/executor.LookupNativeHandler).
func (a *app) buildSupervisor(ctx context.Context, reg prometheus.Registerer) (*supervisor.Supervisor, *wasmrt.Runtime, error) {
	rt, err := wasmrt.New(ctx, wasmrt.Config{
		MaxMemoryPages: a.cfg.Runtime.MaxMemoryPages,
		CompileCache:   a.cfg.Runtime.CompileCache,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "indexer: build wasm runtime")
	}

	newGuest := func(ctx context.Context, m manifest.Manifest, moduleBytes []byte) (executor.Guest, error) {
		switch m.ModuleKind {
		case manifest.ModuleSandboxed:
			cacheKey := fmt.Sprintf("%s.%x", m.UID(), sha256.Sum256(moduleBytes))
			return executor.NewSandboxedGuest(ctx, rt, cacheKey, moduleBytes, m.ModulePath)
		case manifest.ModuleNative:
			handler, err := executor.LookupNativeHandler(m.ModulePath)
			if err != nil {
				return nil, err
			}
			return executor.NewNativeGuest(handler), nil
		default:
			return nil, errors.Errorf("indexer: unknown module_kind %q", m.ModuleKind)
		}
	}

	loadSchema := func(ctx context.Context, uid manifest.UID) (*schema.Map, error) {
		triple, err := a.registry.Latest(ctx, uid)
		if err != nil {
			return nil, err
		}
		version := triple.Schema.Version
		return schema.LoadFromDatabase(ctx, a.pool, uid, strconv.FormatInt(version, 10))
	}

	pool := a.pool
	newSession := func() dbsession.Handle { return dbsession.New(pool) }

	sup := supervisor.New(supervisor.Dependencies{
		Registry:   a.registry,
		Schema:     a.registrar,
		NewGuest:   newGuest,
		LoadSchema: loadSchema,
		NewSession: newSession,
		Node:       a.node,
		Logger:     a.logger,
		Telemetry:  supervisor.NewPrometheusTelemetry(reg),
	})
	return sup, rt, nil
}

// registerFromRegistry starts an Executor for every uid the asset
// registry already knows about (spec.md §4.5 "Register from registry"),
// used on service startup to resume every previously-configured index.
func registerFromRegistry(ctx context.Context, sup *supervisor.Supervisor, registry asset.Registry, logger log.Logger) error {
	uids, err := registry.AllUIDs(ctx)
	if err != nil {
		return errors.Wrap(err, "indexer: list registered uids")
	}
	for _, uid := range uids {
		if err := sup.Register(ctx, uid); err != nil {
			logger.Error("failed to register index at startup", log.F("uid", uid.String()), log.F("err", err.Error()))
			continue
		}
		logger.Info("registered index from registry", log.F("uid", uid.String()))
	}
	return nil
}
