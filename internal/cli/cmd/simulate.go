package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/phan28395/PDFTEXT-sub002/internal/cli/output"
	"github.com/phan28395/PDFTEXT-sub002/internal/cli/simulate"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay synthetic traffic and attacks",
	Long: `Generate synthetic security events and admission traffic and send
them to a running abuseguard.

Examples:
  # Background noise plus a brute force burst
  guardctl simulate events --noise 200 --attack brute_force

  # 500 admission checks spread over 5 addresses
  guardctl simulate traffic --requests 500 --identities 5`,
}

var simulateEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Send synthetic security events",
	RunE: func(cmd *cobra.Command, args []string) error {
		seed, _ := cmd.Flags().GetInt64("seed")
		noise, _ := cmd.Flags().GetInt("noise")
		attacks, _ := cmd.Flags().GetStringSlice("attack")
		identity, _ := cmd.Flags().GetString("identity")
		batch, _ := cmd.Flags().GetInt("batch-size")
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		if batch <= 0 {
			batch = 100
		}

		gen := simulate.NewGenerator(seed)
		events := gen.Noise(noise)
		for _, name := range attacks {
			burst, err := gen.Attack(name, identity)
			if err != nil {
				return err
			}
			events = append(events, burst...)
		}
		if len(events) == 0 {
			return fmt.Errorf("nothing to send (use --noise or --attack)")
		}

		c := newClient()
		var accepted, rejected int
		for start := 0; start < len(events); start += batch {
			end := min(start+batch, len(events))
			ctx, cancel := requestContext(cmd)
			res, err := c.SendEvents(ctx, events[start:end])
			cancel()
			if err != nil {
				return fmt.Errorf("failed to send events: %w", err)
			}
			accepted += res.Accepted
			rejected += res.Rejected
		}

		output.Success("Sent %d events (%d accepted, %d rejected)", len(events), accepted, rejected)
		return nil
	},
}

var simulateListCmd = &cobra.Command{
	Use:   "attacks",
	Short: "List available attack shapes",
	Run: func(cmd *cobra.Command, args []string) {
		table := output.NewTable([]string{"Name", "Event", "Count", "Spacing", "Description"})
		for _, a := range simulate.Attacks() {
			table.AddRow([]string{a.Name, string(a.Type), fmt.Sprint(a.Count), a.Spacing.String(), a.Description})
		}
		table.Render()
	},
}

var simulateTrafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Send synthetic admission checks",
	RunE: func(cmd *cobra.Command, args []string) error {
		seed, _ := cmd.Flags().GetInt64("seed")
		requests, _ := cmd.Flags().GetInt("requests")
		identities, _ := cmd.Flags().GetInt("identities")
		policy, _ := cmd.Flags().GetString("policy")
		failRate, _ := cmd.Flags().GetFloat64("fail-rate")
		if seed == 0 {
			seed = time.Now().UnixNano()
		}

		gen := simulate.NewGenerator(seed)
		c := newClient()
		reasons := map[string]int{}
		allowed := 0
		for i, req := range gen.Requests(requests, identities, policy) {
			ctx, cancel := requestContext(cmd)
			dec, err := c.Check(ctx, req)
			if err == nil && dec.Allowed {
				failed := failRate > 0 && float64(i%100) < failRate*100
				err = c.Complete(ctx, req.Identity, req.Policy, 20*time.Millisecond, failed)
			}
			cancel()
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			if dec.Allowed {
				allowed++
			} else {
				reasons[dec.Reason]++
			}
		}

		output.Success("%d of %d requests allowed", allowed, requests)
		for reason, n := range reasons {
			output.Warn("%d rejected: %s", n, reason)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.AddCommand(simulateEventsCmd, simulateTrafficCmd, simulateListCmd)

	simulateCmd.PersistentFlags().Int64("seed", 0, "random seed (default: time based)")

	simulateEventsCmd.Flags().Int("noise", 50, "unrelated background events")
	simulateEventsCmd.Flags().StringSlice("attack", nil, "attack shapes to include (see 'simulate attacks')")
	simulateEventsCmd.Flags().String("identity", "", "source address for attack events (default: random)")
	simulateEventsCmd.Flags().Int("batch-size", 100, "events per request")

	simulateTrafficCmd.Flags().Int("requests", 100, "admission checks to send")
	simulateTrafficCmd.Flags().Int("identities", 10, "distinct source addresses")
	simulateTrafficCmd.Flags().String("policy", "", "rate limit policy")
	simulateTrafficCmd.Flags().Float64("fail-rate", 0, "fraction of admitted requests reported as failed")
}
