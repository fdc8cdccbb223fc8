package cmd

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long: `Loads the configuration the other commands would use, applies defaults and
validates it. With --print the effective configuration is written to stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := f.Config()
		if err != nil {
			log.Error().Err(err).Msg("Configuration is invalid.")
			return err
		}
		log.Info().Str("app", cfg.App.Key()).Msg("Configuration is valid.")

		if show, _ := cmd.Flags().GetBool("print"); show {
			cfg.App.APIKey = truncate(cfg.App.APIKey, 6)
			cfg.Emulator.SigningKey = ""
			return printJSON(os.Stdout, cfg)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)

	configValidateCmd.Flags().Bool("print", false, "print the effective configuration")
}
