package main

// latticedb — the operator CLI, aggregating the cmd/cli routes.

import (
	"os"

	"github.com/spf13/cobra"

	"latticedb/cmd/cli"
)

func main() {
	rootCmd := &cobra.Command{Use: "latticedb", Short: "embedded object store with change-set sync"}
	rootCmd.AddCommand(cli.StoreRoute())
	rootCmd.AddCommand(cli.SyncRoute())
	rootCmd.AddCommand(cli.HistoryRoute())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
