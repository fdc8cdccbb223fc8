package cmd

import (
	"os"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/darmiel/cirrus/internal/core"
	"github.com/darmiel/cirrus/internal/installations"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the stored installation record",
	Long: `Shows the locally stored installation of the configured app without
contacting the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := f.Client(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = cli.Close() }()

		rec, err := cli.Installations().Record(cmd.Context())
		if err != nil {
			return err
		}
		if rec == nil {
			log.Info().Msg("No installation stored for this app")
			return nil
		}

		if raw, _ := cmd.Flags().GetBool("raw"); raw {
			spew.Fdump(os.Stdout, rec)
			return nil
		}
		printRecord(cli.Installations().App(), rec)
		return nil
	},
}

func printRecord(app core.AppConfig, rec *core.IdentityRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Field", "Value"})

	status := rec.RegistrationStatus.String()
	switch rec.RegistrationStatus {
	case core.Registered:
		status = greenCheck + " " + status
	case core.Pending:
		status = color.BlueString(status)
	default:
		status = color.YellowString(status)
	}

	t.AppendRows([]table.Row{
		{"App", app.Key()},
		{"FID", bold(rec.FID)},
		{"Registration", status},
	})
	if !rec.RegistrationTime.IsZero() {
		t.AppendRow(table.Row{"Registration started", rec.RegistrationTime.Format(time.RFC3339)})
	}
	if rec.RefreshToken != "" {
		t.AppendRow(table.Row{"Refresh token", truncate(rec.RefreshToken, 12)})
	}

	tok := rec.AuthToken
	t.AppendSeparator()
	t.AppendRow(table.Row{"Auth token", tok.RequestStatus.String()})
	if tok.RequestStatus == core.Completed {
		expires := tok.ExpiresAt()
		left := time.Until(expires).Round(time.Second)
		state := greenCheck + " valid for " + left.String()
		if !tok.IsValid(time.Now(), installations.TokenExpirationBuffer) {
			state = redCross + " refresh due"
		}
		t.AppendRows([]table.Row{
			{"Token", faint(truncate(tok.Token, 32))},
			{"Expires", expires.Format(time.RFC3339)},
			{"State", state},
		})
		if claims, err := installations.InspectToken(tok.Token); err == nil {
			t.AppendRow(table.Row{"Token project", claims.ProjectID})
		}
	}

	applyTableFormat(t)
	t.Render()
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().Bool("raw", false, "dump the record as stored")
}
