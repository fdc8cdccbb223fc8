package cmd

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/darmiel/cirrus/internal/audit"
	"github.com/darmiel/cirrus/internal/emulator"
)

var emulatorCmd = &cobra.Command{
	Use:   "emulator",
	Short: "Run a local installations and functions backend",
	Long: `Serves the installations API under /v1 and the demo functions echo, whoami,
count and fail under /{project}/{region}/{name}. Point the client at it with
installations.endpoint and functions.emulator.`,
	Example: `  cirrus emulator --addr 127.0.0.1:5001
  cirrus --installations-endpoint http://127.0.0.1:5001/v1 --functions-emulator 127.0.0.1:5001 call echo '"hi"'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := viper.GetString("emulator.addr")
		if addr == "" {
			addr = "127.0.0.1:5001"
		}

		signingKey := []byte(viper.GetString("emulator.signing_key"))
		if len(signingKey) == 0 {
			signingKey = make([]byte, 32)
			if _, err := rand.Read(signingKey); err != nil {
				return fmt.Errorf("generating signing key: %w", err)
			}
			log.Debug().Msg("using a random signing key")
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		opts := []emulator.Option{emulator.WithMetrics(reg)}
		if key := viper.GetString("emulator.api_key"); key != "" {
			opts = append(opts, emulator.WithAPIKey(key))
		}
		if ttl := viper.GetDuration("emulator.token_ttl"); ttl > 0 {
			opts = append(opts, emulator.WithTokenTTL(ttl))
		}
		if path, _ := cmd.Flags().GetString("audit-file"); path != "" {
			history, err := audit.ReadFile(path)
			if err != nil {
				log.Warn().Err(err).Msg("audit file is partly unreadable")
			}
			log.Debug().Int("entries", len(history)).Msg("loaded audit history")
			opts = append(opts, emulator.WithAuditHistory(history))

			auditor, err := audit.NewFileAuditor(path)
			if err != nil {
				return err
			}
			opts = append(opts, emulator.WithAuditor(auditor))
		}
		emu := emulator.New(signingKey, opts...)
		defer func() { _ = emu.Close() }()
		emulator.RegisterBuiltins(emu)

		server := &http.Server{
			Addr:              addr,
			Handler:           emu.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		errc := make(chan error, 1)
		go func() {
			log.Info().Msgf("Starting emulator on %s...", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
			close(errc)
		}()

		select {
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("emulator crashed: %w", err)
			}
		case <-ctx.Done():
		}
		log.Info().Msg("Shutting down emulator...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("emulator forced to shutdown: %w", err)
		}

		log.Info().Int("installations", len(emu.Installations())).Msg("Emulator exited")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(emulatorCmd)

	emulatorCmd.Flags().String("addr", "", "address to listen on (default 127.0.0.1:5001)")
	_ = viper.BindPFlag("emulator.addr", emulatorCmd.Flags().Lookup("addr"))

	emulatorCmd.Flags().String("api-key", "", "only accept this API key")
	_ = viper.BindPFlag("emulator.api_key", emulatorCmd.Flags().Lookup("api-key"))

	emulatorCmd.Flags().String("audit-file", "", "append audit entries to this file (JSON lines)")
}
