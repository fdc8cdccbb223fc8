package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/darmiel/cirrus/internal/functions"
	"github.com/darmiel/cirrus/pkg/client"
)

var callCmd = &cobra.Command{
	Use:   "call NAME [JSON-DATA]",
	Short: "Call a callable function",
	Long: `Calls the function NAME with JSON-DATA ("-" reads it from stdin) and prints the
result as JSON. The installation token of this machine is sent along.`,
	Example: `  cirrus call addMessage '{"text": "hello"}'
  echo '[1, 2, 3]' | cirrus call sum -
  cirrus call slowOne --timeout 5s`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readData(argOr(args, 1), os.Stdin)
		if err != nil {
			return err
		}

		cli, err := f.Client(cmd.Context(), callClientOptions(cmd)...)
		if err != nil {
			return err
		}
		defer func() { _ = cli.Close() }()

		callable := cli.Callable(args[0], callOptions(cmd)...)
		log.Debug().Str("url", callable.URL()).Msg("calling function")

		start := time.Now()
		res, err := callable.Call(cmd.Context(), data)
		if err != nil {
			return describeCallError(err)
		}
		log.Debug().Dur("took", time.Since(start)).Msg("call finished")
		return printJSON(os.Stdout, res.Data)
	},
}

func argOr(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}

func callClientOptions(cmd *cobra.Command) []client.Option {
	token, _ := cmd.Flags().GetString("auth-token")
	if token == "" {
		return nil
	}
	return []client.Option{client.WithAuth(functions.TokenSourceFunc(func(context.Context) (string, error) {
		return token, nil
	}))}
}

func callOptions(cmd *cobra.Command) []functions.CallOption {
	var opts []functions.CallOption
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		opts = append(opts, functions.WithTimeout(timeout))
	}
	if limited, _ := cmd.Flags().GetBool("limited-use"); limited {
		opts = append(opts, functions.WithLimitedUseAppCheckTokens())
	}
	return opts
}

// describeCallError logs the code and details of a function error.
func describeCallError(err error) error {
	var fe *functions.Error
	if !errors.As(err, &fe) {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s %s: %s\n", redCross, color.RedString(string(fe.Code)), fe.Message)
	if fe.Details != nil {
		fmt.Fprintln(os.Stderr, faint("details:"))
		_ = printJSON(os.Stderr, fe.Details)
	}
	return err
}

func addCallFlags(cmd *cobra.Command) {
	cmd.Flags().String("auth-token", "", "Bearer token of the calling user")
	cmd.Flags().Bool("limited-use", false, "request limited-use App Check tokens")
}

func init() {
	rootCmd.AddCommand(callCmd)

	addCallFlags(callCmd)
	callCmd.Flags().Duration("timeout", 0, "call timeout (default from config)")
}
