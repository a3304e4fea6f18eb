package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"botfleet/pkg/ui/report"
)

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Inspect tenant configuration",
}

var tenantsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load tenant definitions and report what would register",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(_ context.Context, a *app) error {
			fmt.Fprintln(cmd.OutOrStdout(), report.TenantLoad(a.loadReport, a.registry.ListEnabled()))
			if len(a.loadReport.Skipped) > 0 {
				return fmt.Errorf("%d tenant definition(s) skipped", len(a.loadReport.Skipped))
			}
			return nil
		})
	},
}

func init() {
	tenantsCmd.AddCommand(tenantsCheckCmd)
	rootCmd.AddCommand(tenantsCmd)
}
