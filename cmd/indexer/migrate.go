package main

import (
	"github.com/spf13/cobra"

	"github.com/weisyn/indexer/internal/asset"
	"github.com/weisyn/indexer/internal/log"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the asset registry's bootstrap DDL without starting any executors",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, _ := cmd.Flags().GetString("env")
		ctx := cmd.Context()

		a, err := newApp(ctx, env)
		if err != nil {
			return err
		}
		defer a.close()

		if err := asset.Bootstrap(ctx, a.pool); err != nil {
			return err
		}
		a.logger.Info("migration applied", log.F("env", env))
		return nil
	},
}
