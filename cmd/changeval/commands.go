package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/otchange/changeval/internal/notify"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func importExceptionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-exceptions <file.csv>",
		Short: "Validate every row of a baseline exception export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()

				summary, err := a.processor.ImportExceptions(ctx, f)
				if err != nil {
					return err
				}
				return printResult(summary, notify.FormatBatchSummary(summary.Source, summary))
			})
		},
	}
}

func importPatchesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-patches [file.csv]",
		Short: "Load a WSUS approved-patch export",
		Long: `Load a WSUS approved-patch export into the allow-list. Without a file
argument the newest export in WSUS_IMPORT_PATH is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if a.wsus == nil {
					return errors.New("WSUS_IMPORT_PATH is not set")
				}
				var (
					n   int
					err error
				)
				if len(args) == 1 {
					n, err = a.wsus.ImportFile(ctx, args[0])
				} else {
					n, err = a.wsus.ImportLatest(ctx)
				}
				if err != nil {
					return err
				}
				return printResult(map[string]int{"imported": n}, fmt.Sprintf("Imported %d approved patches", n))
			})
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Synchronize changes and patches, then re-check pending alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if a.snow == nil && a.mantis == nil && a.wsus == nil {
					return errors.New("no change source or WSUS import is configured")
				}
				validated, err := a.syncJob().Run(ctx)
				if err != nil {
					return err
				}
				status, err := a.store.GetSyncStatus(ctx)
				if err != nil {
					return err
				}
				text := fmt.Sprintf("Sync complete, %d pending alerts auto-validated", validated)
				return printResult(map[string]interface{}{"auto_validated": validated, "sync_status": status}, text)
			})
		},
	}
}

func processPendingCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "process-pending",
		Short: "Re-run validation over pending alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				validated, err := a.processor.RecorrelatePending(ctx, limit)
				if err != nil {
					return err
				}
				return printResult(map[string]int{"auto_validated": validated},
					fmt.Sprintf("%d pending alerts auto-validated", validated))
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 500, "Maximum number of pending alerts to re-check")
	return cmd
}

// printResult writes v in the selected output format, or text for the default format
func printResult(v interface{}, text string) error {
	switch outputFmt {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(v)
	case "text", "":
		fmt.Println(text)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", outputFmt)
	}
}
