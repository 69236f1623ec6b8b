package cli

import (
	"github.com/spf13/cobra"

	"kpiwatch/internal/app"
)

var (
	evaluateSection string
	evaluateWindows []int
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <metric_key>",
	Short: "Evaluate one metric from stored history without writing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Evaluate(cmd.Context(), app.EvaluateOptions{
			Section:   evaluateSection,
			MetricKey: args[0],
			Windows:   evaluateWindows,
			Out:       cmd.OutOrStdout(),
		})
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evaluateSection, "section", "", "Restrict to a section when a key appears in several")
	evaluateCmd.Flags().IntSliceVar(&evaluateWindows, "windows", nil, "Rolling windows in days (defaults to config)")
}
