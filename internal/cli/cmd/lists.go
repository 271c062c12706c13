package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/phan28395/PDFTEXT-sub002/internal/accesslist"
	"github.com/phan28395/PDFTEXT-sub002/internal/cli/output"
)

var allowCmd = &cobra.Command{
	Use:   "allow <ip|cidr|identity>",
	Short: "Add an entry to the allow list",
	Long:  "Allow-listed sources bypass rate limiting, risk scoring and mitigations.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := newClient().Allow(ctx, args[0], reason); err != nil {
			return fmt.Errorf("failed to allow %s: %w", args[0], err)
		}
		output.Success("%s added to the allow list", args[0])
		return nil
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <ip|cidr|identity>",
	Short: "Add an entry to the deny list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := newClient().Deny(ctx, args[0], ttl, reason); err != nil {
			return fmt.Errorf("failed to deny %s: %w", args[0], err)
		}
		if ttl > 0 {
			output.Success("%s added to the deny list for %s", args[0], ttl)
		} else {
			output.Success("%s added to the deny list", args[0])
		}
		return nil
	},
}

var listsCmd = &cobra.Command{
	Use:   "lists",
	Short: "Manage the allow and deny lists",
}

var listsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show both lists",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		lists, err := newClient().Lists(ctx)
		if err != nil {
			return fmt.Errorf("failed to get lists: %w", err)
		}
		if handled, err := output.Structured(outputFormat(), lists); handled {
			return err
		}

		table := output.NewTable([]string{"List", "Entry", "Expires", "Reason"})
		addEntries(table, "allow", lists.Allow)
		addEntries(table, "deny", lists.Deny)
		table.Render()
		return nil
	},
}

func addEntries(table *output.Table, list string, entries []accesslist.Entry) {
	for _, e := range entries {
		expires := "never"
		if e.ExpiresAt != nil {
			expires = formatTime(*e.ExpiresAt)
		}
		table.AddRow([]string{list, e.Value, expires, e.Reason})
	}
}

var listsRemoveCmd = &cobra.Command{
	Use:   "rm <allow|deny> <entry>",
	Short: "Remove an entry from a list",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		c := newClient()
		var err error
		switch args[0] {
		case "allow":
			err = c.RemoveAllow(ctx, args[1])
		case "deny":
			err = c.RemoveDeny(ctx, args[1])
		default:
			return fmt.Errorf("unknown list %q (expected allow or deny)", args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to remove %s: %w", args[1], err)
		}
		output.Success("%s removed from the %s list", args[1], args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(allowCmd, denyCmd, listsCmd)
	listsCmd.AddCommand(listsShowCmd, listsRemoveCmd)

	allowCmd.Flags().String("reason", "", "why the entry is trusted")
	denyCmd.Flags().String("reason", "", "why the entry is denied")
	denyCmd.Flags().Duration("ttl", 0, "expire the entry after this long (default: never)")
}
