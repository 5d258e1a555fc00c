package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "transaction-pipeline",
	Short: "Idempotent transaction intake with asynchronous processing",
	Long: `transaction-pipeline accepts transactions over HTTP, stores them exactly once per
idempotency key and settles them asynchronously through a Redis backed queue.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a config file (default ./config.yaml if present)")
}
