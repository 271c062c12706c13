package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/phan28395/PDFTEXT-sub002/internal/cli/output"
	"github.com/phan28395/PDFTEXT-sub002/internal/handlers"
	"github.com/phan28395/PDFTEXT-sub002/internal/mitigation"
)

var mitigationsCmd = &cobra.Command{
	Use:   "mitigations",
	Short: "Inspect active mitigations",
}

var mitigationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active blocks, suspensions and rate limit overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")

		ctx, cancel := requestContext(cmd)
		defer cancel()

		items, err := newClient().ListMitigations(ctx, mitigation.Kind(kind))
		if err != nil {
			return fmt.Errorf("failed to list mitigations: %w", err)
		}
		if handled, err := output.Structured(outputFormat(), items); handled {
			return err
		}

		if len(items) == 0 {
			output.Info("No active mitigations")
			return nil
		}
		table := output.NewTable([]string{"Kind", "Target", "Factor", "Expires", "Reason"})
		for _, m := range items {
			factor := "-"
			if m.Kind == mitigation.KindRateLimit {
				factor = fmt.Sprintf("%.2f", m.Factor)
			}
			table.AddRow([]string{string(m.Kind), m.Target, factor, formatTime(m.ExpiresAt), m.Reason})
		}
		table.Render()
		return nil
	},
}

// applyCommand builds the command that applies a mitigation of kind.
func applyCommand(use, short string, kind mitigation.Kind) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " <target>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			duration, _ := cmd.Flags().GetDuration("duration")
			reason, _ := cmd.Flags().GetString("reason")

			req := handlers.MitigationRequest{Target: args[0], Reason: reason}
			if duration > 0 {
				req.Duration = duration.String()
			}
			if kind == mitigation.KindRateLimit {
				req.Factor, _ = cmd.Flags().GetFloat64("factor")
			}

			ctx, cancel := requestContext(cmd)
			defer cancel()

			m, err := newClient().Apply(ctx, kind, req)
			if err != nil {
				return fmt.Errorf("failed to %s %s: %w", use, args[0], err)
			}
			if handled, err := output.Structured(outputFormat(), m); handled {
				return err
			}
			output.Success("%s applied to %s until %s", m.Kind, m.Target, formatTime(m.ExpiresAt))
			return nil
		},
	}
	c.Flags().Duration("duration", 0, "how long the mitigation lasts (server default when empty)")
	c.Flags().String("reason", "", "reason recorded in the audit trail")
	if kind == mitigation.KindRateLimit {
		c.Flags().Float64("factor", 0.5, "fraction of the normal limit to allow")
		_ = c.MarkFlagRequired("duration")
	}
	return c
}

// liftCommand builds the command that lifts a mitigation of kind.
func liftCommand(use, short string, kind mitigation.Kind) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " <target>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")

			ctx, cancel := requestContext(cmd)
			defer cancel()

			if err := newClient().Lift(ctx, kind, args[0], reason); err != nil {
				return fmt.Errorf("failed to %s %s: %w", use, args[0], err)
			}
			output.Success("%s lifted for %s", kind, args[0])
			return nil
		},
	}
	c.Flags().String("reason", "", "reason recorded in the audit trail")
	return c
}

var (
	blockCmd      = applyCommand("block", "Block an IP address or identity", mitigation.KindBlock)
	unblockCmd    = liftCommand("unblock", "Lift a block", mitigation.KindBlock)
	suspendCmd    = applyCommand("suspend", "Suspend an account", mitigation.KindSuspend)
	unsuspendCmd  = liftCommand("unsuspend", "Lift an account suspension", mitigation.KindSuspend)
	throttleCmd   = applyCommand("throttle", "Tighten the rate limit of an identity", mitigation.KindRateLimit)
	unthrottleCmd = liftCommand("unthrottle", "Restore the normal rate limit of an identity", mitigation.KindRateLimit)
)

func init() {
	rootCmd.AddCommand(mitigationsCmd)
	mitigationsCmd.AddCommand(mitigationsListCmd)
	mitigationsListCmd.Flags().String("kind", "", "filter by kind: block, suspend, rate_limit")

	rootCmd.AddCommand(blockCmd, unblockCmd, suspendCmd, unsuspendCmd, throttleCmd, unthrottleCmd)
}
