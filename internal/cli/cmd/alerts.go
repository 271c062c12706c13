package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/phan28395/PDFTEXT-sub002/internal/cli/client"
	"github.com/phan28395/PDFTEXT-sub002/internal/cli/output"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Review correlation alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := client.AlertQuery{}
		q.PatternID, _ = cmd.Flags().GetString("pattern")
		q.Identity, _ = cmd.Flags().GetString("identity")
		q.IncludeResolved, _ = cmd.Flags().GetBool("all")
		q.Limit, _ = cmd.Flags().GetInt("limit")

		ctx, cancel := requestContext(cmd)
		defer cancel()

		alerts, err := newClient().ListAlerts(ctx, q)
		if err != nil {
			return fmt.Errorf("failed to list alerts: %w", err)
		}
		if handled, err := output.Structured(outputFormat(), alerts); handled {
			return err
		}

		if len(alerts) == 0 {
			output.Info("No alerts")
			return nil
		}
		table := output.NewTable([]string{"ID", "Pattern", "Severity", "Identity", "Events", "Triggered", "Resolved"})
		for _, a := range alerts {
			table.AddRow([]string{
				a.ID,
				a.PatternID,
				output.Severity(string(a.Severity)),
				a.Identity,
				strconv.Itoa(len(a.Events)),
				formatTime(a.TriggeredAt),
				strconv.FormatBool(a.Resolved),
			})
		}
		table.Render()
		return nil
	},
}

var alertsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark an alert as resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := newClient().ResolveAlert(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to resolve alert: %w", err)
		}
		output.Success("Alert %s resolved", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(alertsCmd)
	alertsCmd.AddCommand(alertsListCmd, alertsResolveCmd)

	alertsListCmd.Flags().String("pattern", "", "filter by pattern id")
	alertsListCmd.Flags().String("identity", "", "filter by identity")
	alertsListCmd.Flags().Bool("all", false, "include resolved alerts")
	alertsListCmd.Flags().Int("limit", 50, "maximum alerts to show")
}
