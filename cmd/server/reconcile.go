package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Fail transactions stuck in PROCESSING",
	Long: `Runs one reconciliation pass. Transactions that have been PROCESSING for longer
than RECONCILE_AFTER (or --older-than) are moved to FAILED.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		olderThan := a.cfg.ReconcileAfter
		if cmd.Flags().Changed("older-than") {
			olderThan, _ = cmd.Flags().GetDuration("older-than")
		}

		report, err := a.service.ReconcileStuck(cmd.Context(), olderThan)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().Duration("older-than", 0, "Override RECONCILE_AFTER for this run")
}
