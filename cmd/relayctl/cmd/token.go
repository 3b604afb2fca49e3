package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/relayhook/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Development token helpers",
}

var issueTokenCmd = &cobra.Command{
	Use:   "issue [tenant-id]",
	Short: "Mint an RS256 token for a tenant",
	Long: `Mint a token the admin API accepts, signed with a local RSA private key.
Meant for development clusters; production tokens come from your identity
provider.

Example:
  relayctl token issue W1 --key-file dev/jwt.key --ttl 24h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyFile, _ := cmd.Flags().GetString("key-file")
		issuer, _ := cmd.Flags().GetString("issuer")
		audience, _ := cmd.Flags().GetString("audience")
		keyID, _ := cmd.Flags().GetString("kid")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		pemBytes, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		key, err := auth.ParsePrivateKey(string(pemBytes))
		if err != nil {
			return err
		}
		token, err := auth.NewTokenIssuer(key, issuer, audience, keyID).Issue(args[0], ttl)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"token":      token,
				"tenant_id":  args[0],
				"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(issueTokenCmd)

	issueTokenCmd.Flags().String("key-file", "jwt.key", "PEM encoded RSA private key")
	issueTokenCmd.Flags().String("issuer", "relayhook-auth", "iss claim")
	issueTokenCmd.Flags().String("audience", "relayhook", "aud claim")
	issueTokenCmd.Flags().String("kid", "", "key id header")
	issueTokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
}
