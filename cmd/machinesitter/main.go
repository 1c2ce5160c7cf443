package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/fleetsitter/internal/agent"
	"github.com/3cpo-dev/fleetsitter/internal/cli"
	"github.com/3cpo-dev/fleetsitter/internal/telemetry"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "machinesitter",
		Short: "Machine sitter: supervises the tasks of one machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cli.AddLogFlag(cmd)
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("machinesitter %s (%s) %s\n", cli.Version, cli.Commit, cli.BuildDate)
		},
	})
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control endpoint on the first free port from --base-port",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, _ := cmd.Flags().GetString("host")
			listen, _ := cmd.Flags().GetString("listen")
			basePort, _ := cmd.Flags().GetInt("base-port")
			span, _ := cmd.Flags().GetInt("port-span")
			logDir, _ := cmd.Flags().GetString("log-dir")
			poll, _ := cmd.Flags().GetDuration("poll-interval")
			taskFile, _ := cmd.Flags().GetString("tasks")
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

			cfg := agent.Config{
				Host:         host,
				ListenHost:   listen,
				BasePort:     basePort,
				PortSpan:     span,
				LogDir:       logDir,
				PollInterval: poll,
				Token:        os.Getenv(agent.TokenEnv),
				TLS:          agent.LoadMTLSConfig(),
			}
			return serve(cmd.Context(), cfg, taskFile, metricsAddr)
		},
	}
	cmd.Flags().String("host", "", "name reported by identify (default: hostname)")
	cmd.Flags().String("listen", "", "listen address")
	cmd.Flags().Int("base-port", agent.DefaultBasePort, "first control port to try")
	cmd.Flags().Int("port-span", agent.DefaultPortSpan, "number of ports to try")
	cmd.Flags().String("log-dir", "logs", "directory for task stdout/stderr")
	cmd.Flags().Duration("poll-interval", 100*time.Millisecond, "constraint poll interval of each task")
	cmd.Flags().String("tasks", "", "YAML file of tasks to define at startup")
	cmd.Flags().String("metrics-addr", "", "serve /metrics and /health on this address")
	return cmd
}

func serve(ctx context.Context, cfg agent.Config, taskFile, metricsAddr string) error {
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv := agent.NewServer(cli.Version, cfg, agent.WithMetrics(telemetry.NewMetrics(reg)))

	ln, err := srv.Listen()
	if err != nil {
		return err
	}
	if taskFile != "" {
		tasks, err := agent.LoadTaskFile(taskFile)
		if err != nil {
			ln.Close()
			return err
		}
		if err := srv.DefineTasks(ctx, tasks); err != nil {
			ln.Close()
			_ = srv.Shutdown(context.Background())
			return err
		}
		log.Info().Int("tasks", len(tasks)).Str("file", taskFile).Msg("Loaded tasks")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ln) })
	if metricsAddr != "" {
		ms := telemetry.NewMonitoringServer(metricsAddr, reg)
		ms.RegisterHealthCheck("goroutines", telemetry.GoroutineCheck)
		ms.RegisterHealthCheck("tasks", func() telemetry.HealthCheck { return taskCheck(srv.Stats()) })
		g.Go(ms.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ms.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Machine sitter shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	cli.SetupLogger()
	os.Exit(cli.Execute(newRootCmd()))
}
