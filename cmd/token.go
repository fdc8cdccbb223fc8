package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/darmiel/cirrus/internal/installations"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a valid installation auth token",
	Long: `Prints the auth token of the installation. A cached token is reused until it
is about to expire; --force always requests a new one.`,
	Example: `  cirrus token
  cirrus token --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		cli, err := f.Client(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = cli.Close() }()

		token, err := cli.Installations().GetToken(cmd.Context(), force)
		if err != nil {
			return err
		}
		if claims, err := installations.InspectToken(token); err == nil {
			log.Debug().Str("fid", claims.FID).Time("expires_at", claims.ExpiresAt).Msg("token")
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().Bool("force", false, "request a new token even if the cached one is valid")
}
