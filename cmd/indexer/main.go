package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "indexer",
	Short: "Indexer runtime: tails a blockchain node and persists derived entities",
	Long: `indexer runs a fleet of per-index executors against a blockchain
node, each driving a sandboxed or native guest program and persisting
its database writes transactionally.`,
}

func init() {
	rootCmd.PersistentFlags().String("env", "", "Environment name whose config/<env>.yaml overrides config/default.yaml")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(revertCmd)
}
