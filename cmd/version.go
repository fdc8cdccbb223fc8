package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/darmiel/cirrus/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := buildinfo.GetBuildInfo()
		fmt.Println(bold("\n── Cirrus Build Information ──"))
		fmt.Printf("  %s:    %s\n", faint("Version"), info.Version)
		fmt.Printf("  %s:     %s\n", faint("Commit"), info.CommitHash)
		fmt.Printf("  %s:        %s\n", faint("SDK"), buildinfo.SDKVersion())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
