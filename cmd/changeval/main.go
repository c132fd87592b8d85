// changeval validates baseline-deviation alerts from OT monitoring against
// authorized change tickets and approved patches.
//
// Usage:
//
//	changeval serve
//	changeval import-exceptions exceptions.csv
//	changeval import-patches wsus-approved.csv
//	changeval sync
//	changeval process-pending --limit 200
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	outputFmt string
	envFile   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "changeval",
		Short: "Validate OT change alerts against authorized changes",
		Long: `changeval correlates configuration-change alerts from OT monitoring
with ServiceNow change tickets and WSUS-approved patches. Alerts that
match with high confidence are auto-validated; the rest are queued
for human review.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// a missing .env file is fine when the environment is set directly
			if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
				return fmt.Errorf("failed to load %s: %w", envFile, err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "text", "Output format: text, json, yaml")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load before reading configuration")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(importExceptionsCmd())
	rootCmd.AddCommand(importPatchesCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(processPendingCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
