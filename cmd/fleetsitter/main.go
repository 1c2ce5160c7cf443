package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/fleetsitter/internal/cli"
	"github.com/3cpo-dev/fleetsitter/internal/core"
	prov "github.com/3cpo-dev/fleetsitter/internal/providers"
	"github.com/3cpo-dev/fleetsitter/internal/providers/static"
	"github.com/3cpo-dev/fleetsitter/internal/telemetry"
)

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleetsitter",
		Short: "Fleetsitter: zone-aware placement and supervision of long-lived tasks",
		Long:  "Fleetsitter places jobs on machines per availability zone, monitors the machine sitters running them and evicts machines that stop answering.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cli.AddLogFlag(cmd)
	cmd.PersistentFlags().String("config", "", "config file")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newProvidersCmd())
	cmd.AddCommand(newKeygenCmd())
	cmd.AddCommand(newTrustCmd())
	cmd.AddCommand(newEventsCmd())
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetsitter %s (%s) %s\n", cli.Version, cli.Commit, cli.BuildDate)
		},
	}
}

func main() {
	cli.SetupLogger()
	os.Exit(cli.Execute(newRootCmd()))
}

func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(cfgPath)
}

// resolveRegistry builds every provisioning backend the config enables.
func resolveRegistry(cfg core.Config, metrics *telemetry.Metrics) (*prov.Registry, *static.Provider, error) {
	sp, err := static.New(cfg.Providers.Static, cfg.Agent.MachineConfig(), static.WithMetrics(metrics))
	if err != nil {
		return nil, nil, err
	}
	hosts := make([]string, 0, len(cfg.Machines))
	for _, m := range cfg.Machines {
		hosts = append(hosts, m.Host)
	}
	sp.MarkUsed(hosts...)

	reg := prov.NewRegistry()
	reg.Register(sp)
	return reg, sp, nil
}

// Create the providers command
func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Inspect configured providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reg, sp, err := resolveRegistry(cfg, nil)
			if err != nil {
				return err
			}
			fmt.Printf("default: %s\n", cfg.Orchestrator.Provider)
			for _, name := range reg.Names() {
				fmt.Printf("registered: %s\n", name)
			}

			zones := map[string]bool{}
			for _, h := range cfg.Providers.Static.Hosts {
				zones[h.Zone] = true
			}
			names := make([]string, 0, len(zones))
			for z := range zones {
				names = append(names, z)
			}
			sort.Strings(names)
			for _, z := range names {
				fmt.Printf("%s\tzone=%s\tfree=%d\n", static.Name, z, sp.Free(z))
			}
			return nil
		},
	}
}
