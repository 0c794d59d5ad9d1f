package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitepdf-client/internal/tui"
)

func newDashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "dashboard",
		Short:       "Open the interactive dashboard",
		Long:        `Opens a full-screen dashboard to submit URLs, watch pages arrive, search them, and preview each page's PDF.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{fullScreenAnnotation: "true"},
		RunE: withApp(func(cmd *cobra.Command, _ []string, appInstance App) error {
			ctrl := appInstance.Session()
			return tui.Run(cmd.Context(), ctrl, ctrl, appInstance.View())
		}),
	}
}
