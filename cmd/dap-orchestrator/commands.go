package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctagard/dap-orchestrator/internal/config"
	"github.com/ctagard/dap-orchestrator/internal/launchconfig"
	"github.com/ctagard/dap-orchestrator/internal/logging"
	"github.com/ctagard/dap-orchestrator/internal/version"
)

type rootOptions struct {
	configPath  string
	mode        string
	logLevel    string
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "dap-orchestrator",
		Short: "Debug Adapter Protocol orchestration over MCP",
		Long: `dap-orchestrator launches programs from VS Code launch.json configurations,
waits for breakpoints and captures variables, and exposes this to MCP
clients as a small set of tools.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a JSON or YAML configuration file")

	root.AddCommand(newServeCmd(opts), newConfigsCmd(), newVersionCmd())
	return root
}

// loadConfig reads the configuration file and applies flag overrides.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("mode") {
		cfg.Mode = config.CapabilityMode(o.mode)
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the debug tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return newApp(cfg, logger).run(ctx)
		},
	}
	cmd.Flags().StringVar(&opts.mode, "mode", string(config.ModeFull), "Capability mode: readonly or full")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9464")
	return cmd
}

func newConfigsCmd() *cobra.Command {
	var workspace string
	cmd := &cobra.Command{
		Use:   "configs",
		Short: "List the launch configurations of a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			lj, err := launchconfig.Load(workspace)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, cfg := range lj.Configurations {
				fmt.Fprintf(out, "%-30s %-10s %s\n", cfg.Name(), cfg.Type(), cfg.Request())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", ".", "Workspace folder containing .vscode/launch.json")
	return cmd
}

func newVersionCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !check {
				fmt.Fprintf(out, "dap-orchestrator version %s\n", version.Version)
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			rel, err := version.NewChecker().Latest(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(rel)
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Check GitHub for a newer release")
	return cmd
}
