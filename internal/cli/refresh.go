package cli

import (
	"github.com/spf13/cobra"

	"kpiwatch/internal/app"
)

var refreshWindows []int

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Ingest sources, update history, and rebuild the serving snapshot once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Refresh(cmd.Context(), app.RefreshOptions{
			Windows: refreshWindows,
			Out:     cmd.OutOrStdout(),
		})
	},
}

func init() {
	refreshCmd.Flags().IntSliceVar(&refreshWindows, "windows", nil, "Rolling windows in days, e.g. 1,7,30,60 (defaults to config)")
}
