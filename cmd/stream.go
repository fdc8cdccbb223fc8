package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/darmiel/cirrus/internal/functions"
)

var streamCmd = &cobra.Command{
	Use:   "stream NAME [JSON-DATA]",
	Short: "Call a streaming function and print its messages",
	Long: `Calls the function NAME as a stream. Every message is printed as one JSON line
as soon as it arrives, followed by the result. Ctrl-C cancels the stream.`,
	Example: `  cirrus stream count '{"n": 5}'`,
	Args:    cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readData(argOr(args, 1), os.Stdin)
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		cli, err := f.Client(ctx, callClientOptions(cmd)...)
		if err != nil {
			return err
		}
		defer func() { _ = cli.Close() }()

		var opts []functions.StreamOption
		if limited, _ := cmd.Flags().GetBool("limited-use"); limited {
			opts = append(opts, functions.WithStreamLimitedUseAppCheckTokens())
		}

		res, err := cli.Callable(args[0]).Stream(ctx, data, opts...)
		if err != nil {
			return describeCallError(err)
		}

		count := 0
		for msg, err := range res.Messages() {
			if err != nil {
				return describeCallError(err)
			}
			count++
			fmt.Print(faint(fmt.Sprintf("[%d] ", count)))
			if err := printJSON(os.Stdout, msg); err != nil {
				return err
			}
		}

		result, err := res.Data(ctx)
		if err != nil {
			return describeCallError(err)
		}
		log.Debug().Int("messages", count).Msg("stream finished")
		fmt.Print(bold("result: "))
		return printJSON(os.Stdout, result)
	},
}

func init() {
	rootCmd.AddCommand(streamCmd)

	addCallFlags(streamCmd)
}
