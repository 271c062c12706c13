package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/phan28395/PDFTEXT-sub002/internal/cli/output"
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Manage threat patterns",
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded threat patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		patterns, err := newClient().Patterns(ctx)
		if err != nil {
			return fmt.Errorf("failed to list patterns: %w", err)
		}
		if handled, err := output.Structured(outputFormat(), patterns); handled {
			return err
		}

		table := output.NewTable([]string{"ID", "Severity", "Window", "Threshold", "Active", "Triggered"})
		for _, p := range patterns {
			table.AddRow([]string{
				p.ID,
				output.Severity(string(p.Severity)),
				p.Window.String(),
				strconv.Itoa(p.Threshold),
				strconv.FormatBool(p.Active),
				strconv.FormatInt(p.TriggerCount, 10),
			})
		}
		table.Render()
		return nil
	},
}

var patternsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Load patterns from a YAML file",
	Long: `Load threat patterns from a YAML file. Patterns with an existing id
replace the loaded version.

Example:
  guardctl patterns add -f patterns.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		doc, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()

		res, err := newClient().AddPatterns(ctx, doc)
		if err != nil {
			return fmt.Errorf("failed to load patterns: %w", err)
		}
		if handled, err := output.Structured(outputFormat(), res); handled {
			return err
		}

		for _, id := range res.Added {
			output.Success("Loaded %s", id)
		}
		ids := make([]string, 0, len(res.Failed))
		for id := range res.Failed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			output.Error("%s: %s", id, res.Failed[id])
		}
		return nil
	},
}

func patternToggleCommand(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: use + " a threat pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			if err := newClient().SetPatternActive(ctx, args[0], active); err != nil {
				return fmt.Errorf("failed to %s %s: %w", use, args[0], err)
			}
			output.Success("%s %sd", args[0], use)
			return nil
		},
	}
}

var patternsRemoveCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a threat pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := newClient().RemovePattern(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to remove %s: %w", args[0], err)
		}
		output.Success("%s removed", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(patternsCmd)
	patternsCmd.AddCommand(
		patternsListCmd,
		patternsAddCmd,
		patternToggleCommand("enable", true),
		patternToggleCommand("disable", false),
		patternsRemoveCmd,
	)

	patternsAddCmd.Flags().StringP("file", "f", "", "YAML pattern file")
	_ = patternsAddCmd.MarkFlagRequired("file")
}
