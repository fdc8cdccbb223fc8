package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print the installation ID of this machine",
	Long: `Prints the installation ID (FID) of the configured app, creating one if needed.
The registration with the server is awaited unless --no-wait is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := f.Client(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = cli.Close() }()

		mgr := cli.Installations()
		if noWait, _ := cmd.Flags().GetBool("no-wait"); noWait {
			fid, err := mgr.GetID(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(fid)
			return nil
		}

		rec, err := mgr.GetOrCreateRegistration(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(rec.FID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(idCmd)

	idCmd.Flags().Bool("no-wait", false, "do not wait for the registration to finish")
}
