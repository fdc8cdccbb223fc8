package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/darmiel/cirrus/internal/tasks"
	"github.com/darmiel/cirrus/pkg/client"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the installation token fresh in the background",
	Long: `Runs the token keeper every watch.interval until interrupted. The keeper only
contacts the server when the token is about to expire. With --metrics-addr,
/metrics and /tasks are served on that address.`,
	Example: `  cirrus watch --interval 5m --metrics-addr :9100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := f.Config()
		if err != nil {
			return err
		}
		interval := cfg.Watch.Interval
		if v, _ := cmd.Flags().GetDuration("interval"); v > 0 {
			interval = v
		}
		metricsAddr := cfg.Watch.MetricsAddr
		if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
			metricsAddr = v
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		reg := prometheus.NewRegistry()
		cli, err := f.Client(ctx, client.WithRegisterer(reg))
		if err != nil {
			return err
		}
		defer func() { _ = cli.Close() }()

		unsubscribe := cli.Installations().OnIDChange(func(fid string) {
			if fid == "" {
				log.Warn().Msg("installation was deleted")
				return
			}
			log.Info().Str("fid", fid).Msg("installation ID changed")
		})
		defer unsubscribe()

		mgr := tasks.NewManager(ctx)
		if err := mgr.Register(tasks.TokenKeeperTask, interval, tasks.TokenKeeper(cli.Installations(), time.Now)); err != nil {
			return err
		}

		var server *http.Server
		if metricsAddr != "" {
			server = &http.Server{
				Addr:              metricsAddr,
				Handler:           watchRoutes(reg, mgr),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				log.Info().Msgf("Serving metrics on %s", metricsAddr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("metrics server failed")
					stop()
				}
			}()
		}

		log.Info().Dur("interval", interval).Msg("Watching installation token")
		<-ctx.Done()

		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}
		mgr.Stop()
		printTaskStatus(mgr.ListStatus())
		return nil
	},
}

func watchRoutes(reg *prometheus.Registry, mgr *tasks.Manager) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/tasks", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(mgr.ListStatus())
	})
	r.Get("/tasks/{name}/logs", func(w http.ResponseWriter, r *http.Request) {
		logs, err := mgr.GetLogs(chi.URLParam(r, "name"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(logs)
	})
	r.Post("/tasks/{name}/trigger", func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.Trigger(chi.URLParam(r, "name")); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	return r
}

func printTaskStatus(list []tasks.TaskStatus) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Name", "Runs", "Last Run", "Last Result"})

	for _, task := range list {
		lastRun := "never"
		if !task.LastRun.IsZero() {
			lastRun = time.Since(task.LastRun).Round(time.Second).String() + " ago"
		}
		prefix := ""
		if task.LastResult == "success" {
			prefix = greenCheck
		} else if task.LastResult != "" {
			prefix = redCross
		}
		t.AppendRow(table.Row{
			color.New(color.Bold).Sprint(task.Name),
			fmt.Sprint(task.Runs),
			lastRun,
			prefix + " " + task.LastResult,
		})
	}

	applyTableFormat(t)
	t.Render()
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().Duration("interval", 0, "how often the token is checked (default from config)")
	watchCmd.Flags().String("metrics-addr", "", "serve /metrics and /tasks on this address")
}
