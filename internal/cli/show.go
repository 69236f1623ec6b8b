package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"kpiwatch/internal/app"
)

var (
	showStatus  string
	showSection string
	showAlerts  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the serving snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showAlerts < 0 {
			return fmt.Errorf("--alerts cannot be negative")
		}

		opts := app.ShowOptions{
			MinStatus: showStatus,
			Section:   showSection,
			Alerts:    showAlerts,
			Out:       cmd.OutOrStdout(),
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showStatus, "status", "", "Only rows at or above this status (green, yellow, red)")
	showCmd.Flags().StringVar(&showSection, "section", "", "Only rows of this section")
	showCmd.Flags().IntVar(&showAlerts, "alerts", 0, "Also list this many recent alerts (sql drivers)")
}
