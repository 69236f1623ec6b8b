package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"kpiwatch/internal/app"
)

var (
	importDryRun  bool
	importWindows []int
)

var importCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Load a CSV of observations into history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if args[0] == "" {
			return fmt.Errorf("file path must not be empty")
		}
		return getApp().Import(cmd.Context(), app.ImportOptions{
			Path:    args[0],
			DryRun:  importDryRun,
			Windows: importWindows,
			Out:     cmd.OutOrStdout(),
		})
	},
}

func init() {
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Report what would change without writing to storage")
	importCmd.Flags().IntSliceVar(&importWindows, "windows", nil, "Rolling windows in days for the rebuilt snapshot (defaults to config)")
}
