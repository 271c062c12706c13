package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/phan28395/PDFTEXT-sub002/internal/cli/output"
	"github.com/phan28395/PDFTEXT-sub002/internal/ratelimit"
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Inspect rate limit policies",
}

var policiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured rate limit policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		policies, err := newClient().Policies(ctx)
		if err != nil {
			return fmt.Errorf("failed to list policies: %w", err)
		}
		return renderPolicies(policies)
	},
}

var policiesShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show one rate limit policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		p, err := newClient().Policy(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get policy %s: %w", args[0], err)
		}
		if handled, err := output.Structured(outputFormat(), p); handled {
			return err
		}
		return renderPolicies([]ratelimit.Policy{p})
	},
}

func renderPolicies(policies []ratelimit.Policy) error {
	if handled, err := output.Structured(outputFormat(), policies); handled {
		return err
	}
	table := output.NewTable([]string{"Name", "Window", "Max requests", "Backoff", "Access lists"})
	for _, p := range policies {
		table.AddRow([]string{
			p.Name,
			p.Window.String(),
			strconv.Itoa(p.MaxRequests),
			strconv.FormatBool(p.ExponentialBackoff),
			strconv.FormatBool(p.UseAccessLists),
		})
	}
	table.Render()
	return nil
}

func init() {
	rootCmd.AddCommand(policiesCmd)
	policiesCmd.AddCommand(policiesListCmd, policiesShowCmd)
}
