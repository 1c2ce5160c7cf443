package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/fleetsitter/internal/core"
	"github.com/3cpo-dev/fleetsitter/internal/machine"
	gssh "github.com/3cpo-dev/fleetsitter/internal/ssh"
	"github.com/3cpo-dev/fleetsitter/internal/telemetry"
)

// Run the orchestrator
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Monitor the fleet and place the configured jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	return cmd
}

func run(ctx context.Context, cfg core.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	store, err := core.NewStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	providers, _, err := resolveRegistry(cfg, metrics)
	if err != nil {
		return err
	}
	provider, err := providers.Get(cfg.Orchestrator.Provider)
	if err != nil {
		return err
	}

	orch := core.NewOrchestrator(cfg.Orchestrator, cfg.Monitor,
		core.WithProvider(provider),
		core.WithEventLog(store),
		core.WithMetrics(metrics),
	)
	mc := cfg.Agent.MachineConfig()
	known := make([]machine.Machine, 0, len(cfg.Machines))
	for _, m := range cfg.Machines {
		known = append(known, machine.New(m.Host, m.Zone, mc))
	}
	syncMachines(ctx, known, cfg.Monitor.Concurrency)
	orch.AddMachines(known...)
	orch.RecomputeIdleIndex()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Telemetry.Addr != "" {
		ms := telemetry.NewMonitoringServer(cfg.Telemetry.Addr, reg)
		ms.RegisterHealthCheck("goroutines", telemetry.GoroutineCheck)
		ms.RegisterHealthCheck("fleet", func() telemetry.HealthCheck { return fleetCheck(orch.Health()) })
		ms.RegisterHealthCheck("store", func() telemetry.HealthCheck {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				return telemetry.HealthCheck{Name: "store", Status: telemetry.HealthStatusUnhealthy, Message: err.Error()}
			}
			return telemetry.HealthCheck{Name: "store", Status: telemetry.HealthStatusHealthy, Message: "ok"}
		})
		g.Go(ms.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ms.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error { return orch.Run(ctx) })
	for _, job := range cfg.Jobs {
		g.Go(func() error {
			placed, err := orch.AddJob(ctx, job)
			if err != nil {
				log.Error().Err(err).Str("job", job.Name()).Msg("Job placement failed")
				return nil
			}
			log.Info().Str("job", job.Name()).Int("machines", len(placed)).Msg("Job running")
			return nil
		})
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// syncMachines refreshes rosters once so the first idle index is accurate.
// Failures are left to the monitors.
func syncMachines(ctx context.Context, ms []machine.Machine, limit int) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, m := range ms {
		g.Go(func() error {
			if err := m.Identify(ctx); err != nil {
				log.Warn().Err(err).Str("host", m.Hostname()).Msg("Initial handshake failed")
				return nil
			}
			if _, err := m.PullStats(ctx); err != nil {
				log.Warn().Err(err).Str("host", m.Hostname()).Msg("Initial stats pull failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func fleetCheck(h core.Health) telemetry.HealthCheck {
	details := map[string]string{}
	total := 0
	for z, n := range h.Machines {
		details["machines_"+z] = fmt.Sprint(n)
		total += n
	}
	for z, n := range h.Idle {
		details["idle_"+z] = fmt.Sprint(n)
	}
	status := telemetry.HealthStatusHealthy
	if total == 0 {
		status = telemetry.HealthStatusDegraded
	}
	return telemetry.HealthCheck{
		Name:    "fleet",
		Status:  status,
		Message: fmt.Sprintf("%d machines across %d zones", total, len(h.Machines)),
		Details: details,
	}
}

// Generate the SSH keypair used for bootstrapping
func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the ed25519 keypair used to bootstrap hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			if path == "" {
				path = filepath.Join(core.ConfigDir(), "id_ed25519")
			}
			pub, err := gssh.GenerateEd25519Keypair(path)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s\n%s", path, pub)
			return nil
		},
	}
	cmd.Flags().String("path", "", "private key path")
	return cmd
}

// Record a host key
func newTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust HOST AUTHORIZED_KEY",
		Short: "Add a host key to the known_hosts file used for bootstrapping",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := gssh.AppendKnownHost(cfg.SSH.KnownHosts, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("trusted %s in %s\n", args[0], cfg.SSH.KnownHosts)
			return nil
		},
	}
}

// Show recorded events
func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent evictions and placements",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := core.NewStore(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			evictions, err := store.Evictions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, e := range evictions {
				fmt.Printf("%s\tevicted\t%s\t%s\tmonitor=%d\n", e.At.Format(time.RFC3339), e.Zone, e.Host, e.MonitorID)
			}
			placements, err := store.Placements(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, p := range placements {
				fmt.Printf("%s\tplaced\t%s\t%s\tjob=%s provisioned=%t\n", p.At.Format(time.RFC3339), p.Zone, p.Host, p.Job, p.Provisioned)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum events of each kind")
	return cmd
}
