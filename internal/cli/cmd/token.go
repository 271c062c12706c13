package cmd

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/phan28395/PDFTEXT-sub002/internal/auth"
	"github.com/phan28395/PDFTEXT-sub002/internal/cli/output"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Operator token management",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Sign an operator token with the shared secret",
	Long: `Sign an operator token locally. The secret and issuer must match the
server's auth.jwt_secret and auth.issuer.

Example:
  export GUARDCTL_TOKEN=$(guardctl token issue --secret "$SECRET" --operator alice -o json | jq -r .token)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		issuer, _ := cmd.Flags().GetString("issuer")
		operator, _ := cmd.Flags().GetString("operator")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if operator == "" {
			return fmt.Errorf("operator is required")
		}
		if role != auth.RoleAdmin && role != auth.RoleViewer {
			return fmt.Errorf("unknown role %q (expected %s or %s)", role, auth.RoleAdmin, auth.RoleViewer)
		}

		tm := auth.NewTokenManager(secret, issuer, ttl, clockwork.NewRealClock())
		token, err := tm.Issue(operator, []string{role})
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}

		result := map[string]string{"token": token, "operator": operator, "role": role}
		if handled, err := output.Structured(outputFormat(), result); handled {
			return err
		}
		output.Success("Token issued for %s (%s)", operator, role)
		output.Info("%s", token)
		output.Info("\nUse it with:")
		output.Info("  export GUARDCTL_TOKEN=%s", token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd)

	tokenIssueCmd.Flags().String("secret", "", "HMAC secret shared with the server")
	tokenIssueCmd.Flags().String("issuer", "abuseguard", "token issuer")
	tokenIssueCmd.Flags().String("operator", "", "operator name recorded in audit entries")
	tokenIssueCmd.Flags().String("role", auth.RoleAdmin, "role: admin or viewer")
	tokenIssueCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	_ = tokenIssueCmd.MarkFlagRequired("secret")
}
