package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/weisyn/indexer/internal/log"
	"github.com/weisyn/indexer/internal/manifest"
	"github.com/weisyn/indexer/internal/supervisor"
)

var (
	uidNamespace  string
	uidIdentifier string
)

func addUIDFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&uidNamespace, "namespace", "", "index namespace (required)")
	cmd.Flags().StringVar(&uidIdentifier, "identifier", "", "index identifier (required)")
	_ = cmd.MarkFlagRequired("namespace")
	_ = cmd.MarkFlagRequired("identifier")
}

var (
	createManifestPath string
	createModulePath   string
	createSchemaPath   string
)

func init() {
	addUIDFlags(registerCmd)
	addUIDFlags(stopCmd)
	addUIDFlags(revertCmd)

	createCmd.Flags().StringVar(&createManifestPath, "manifest", "", "path to the index's manifest YAML file (required)")
	createCmd.Flags().StringVar(&createModulePath, "module", "", "path to the module bytes referenced by the manifest (required)")
	createCmd.Flags().StringVar(&createSchemaPath, "schema", "", "path to the GraphQL schema SDL file (required)")
	_ = createCmd.MarkFlagRequired("manifest")
	_ = createCmd.MarkFlagRequired("module")
	_ = createCmd.MarkFlagRequired("schema")
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Start an executor for one index from its latest asset triple",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTransientSupervisor(cmd, func(ctx context.Context, sup *supervisor.Supervisor) error {
			return sup.Register(ctx, manifest.UID{Namespace: uidNamespace, Identifier: uidIdentifier})
		})
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Onboard a brand-new index from a manifest, module, and GraphQL schema (spec.md §4.5 \"Register from manifest\")",
	RunE: func(cmd *cobra.Command, args []string) error {
		manifestBytes, err := os.ReadFile(createManifestPath)
		if err != nil {
			return errors.Wrap(err, "indexer: read manifest file")
		}
		m, err := manifest.Parse(manifestBytes)
		if err != nil {
			return err
		}

		moduleBytes, err := os.ReadFile(createModulePath)
		if err != nil {
			return errors.Wrap(err, "indexer: read module file")
		}

		schemaBytes, err := os.ReadFile(createSchemaPath)
		if err != nil {
			return errors.Wrap(err, "indexer: read schema file")
		}

		return withTransientSupervisor(cmd, func(ctx context.Context, sup *supervisor.Supervisor) error {
			return sup.RegisterFromManifest(ctx, m, moduleBytes, string(schemaBytes))
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the executor for one index (idempotent no-op if not running)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTransientSupervisor(cmd, func(ctx context.Context, sup *supervisor.Supervisor) error {
			return sup.Stop(ctx, manifest.UID{Namespace: uidNamespace, Identifier: uidIdentifier})
		})
	},
}

var revertCmd = &cobra.Command{
	Use:   "revert",
	Short: "Remove one index's latest module asset and restart from the penultimate version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTransientSupervisor(cmd, func(ctx context.Context, sup *supervisor.Supervisor) error {
			return sup.Revert(ctx, manifest.UID{Namespace: uidNamespace, Identifier: uidIdentifier})
		})
	},
}

// withTransientSupervisor backs the create/register/stop/revert
// subcommands. These are administrative one-shot tools, not an RPC
// client to the long-running serve process (that RPC boundary is out
// of scope per spec.md §1): each spins up its own Supervisor, resumes
// every currently-registered index so Stop/Revert have a live executor
// to act on, performs the one requested operation, then shuts
// everything down.
func withTransientSupervisor(cmd *cobra.Command, fn func(ctx context.Context, sup *supervisor.Supervisor) error) error {
	env, _ := cmd.Flags().GetString("env")
	ctx := cmd.Context()

	a, err := newApp(ctx, env)
	if err != nil {
		return err
	}
	defer a.close()

	sup, rt, err := a.buildSupervisor(ctx, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(ctx) }()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	if err := registerFromRegistry(runCtx, sup, a.registry, a.logger); err != nil {
		a.logger.Warn("registering existing indexes failed", log.F("err", err.Error()))
	}

	return fn(runCtx, sup)
}
