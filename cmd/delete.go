package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the installation of this machine",
	Long: `Unregisters the installation on the server and removes it locally. The next
command that needs an installation creates a new one with a new ID.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := f.Client(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = cli.Close() }()

		if err := cli.Installations().Delete(cmd.Context()); err != nil {
			return err
		}
		log.Info().Msgf("%s Installation deleted", greenCheck)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
