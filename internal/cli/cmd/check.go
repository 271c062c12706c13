package cmd

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/phan28395/PDFTEXT-sub002/internal/cli/output"
	"github.com/phan28395/PDFTEXT-sub002/internal/guard"
)

var checkCmd = &cobra.Command{
	Use:   "check <identity>",
	Short: "Ask for an admission decision",
	Long: `Run one request through admission and print the decision. The check
counts against the identity's limits like a real request.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := guard.Request{Identity: args[0], Protocol: "HTTP/1.1"}
		req.Policy, _ = cmd.Flags().GetString("policy")
		req.AccountID, _ = cmd.Flags().GetString("account")
		req.Method, _ = cmd.Flags().GetString("method")
		req.Target, _ = cmd.Flags().GetString("target")
		if ua, _ := cmd.Flags().GetString("user-agent"); ua != "" {
			req.Headers = http.Header{"User-Agent": []string{ua}}
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()

		dec, err := newClient().Check(ctx, req)
		if err != nil {
			return fmt.Errorf("admission check failed: %w", err)
		}
		if handled, err := output.Structured(outputFormat(), dec); handled {
			return err
		}

		if dec.Allowed {
			output.Success("allowed")
		} else {
			output.Error("rejected: %s (retry after %ds)", dec.Reason, dec.RetryAfterSeconds())
		}
		output.Info("limit:      %d", dec.Limit)
		output.Info("remaining:  %d", dec.Remaining)
		output.Info("reset:      %s", formatTime(dec.ResetTime))
		if dec.Mitigation != "" {
			output.Info("risk score: %d (%s)", dec.RiskScore, dec.Mitigation)
		}
		return nil
	},
}

var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Show per-identity traffic profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := requestContext(cmd)
		defer cancel()

		profiles, err := newClient().Traffic(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to get traffic: %w", err)
		}
		if handled, err := output.Structured(outputFormat(), profiles); handled {
			return err
		}

		table := output.NewTable([]string{"Identity", "Requests", "Error rate", "Avg response", "Score", "Blocked", "Last seen"})
		for _, p := range profiles {
			table.AddRow([]string{
				p.Identity,
				strconv.FormatInt(p.RequestCount, 10),
				fmt.Sprintf("%.2f", p.ErrorRate),
				p.AvgResponseTime.String(),
				strconv.Itoa(p.Score),
				strconv.FormatBool(p.Blocked),
				formatTime(p.LastSeen),
			})
		}
		table.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd, trafficCmd)

	checkCmd.Flags().String("policy", "", "rate limit policy (server fallback when empty)")
	checkCmd.Flags().String("account", "", "account id of the caller")
	checkCmd.Flags().String("method", http.MethodGet, "HTTP method")
	checkCmd.Flags().String("target", "/", "request target")
	checkCmd.Flags().String("user-agent", "", "User-Agent header")

	trafficCmd.Flags().Int("limit", 20, "maximum identities to show")
}
