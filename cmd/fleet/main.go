// Command fleet supervises a local fleet of worker nodes: it installs them,
// starts and stops their processes, keeps them healthy and removes them.
//
// Usage:
//
//	fleet install 3          # provision and launch three nodes
//	fleet status             # one line per node
//	fleet monitor            # health loop plus the status API
//	fleet restart            # stop everything, then start everything
//	fleet restart 2          # stop and relaunch node 2 only
//	fleet cleanup --purge    # stop everything and delete node state
//
// Configuration lives in ~/.fleet/config.yaml (override with --config or
// FLEET_CONFIG); FLEET_* environment variables override file values.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/fleet/internal/cluster"
	"github.com/dreamware/fleet/internal/config"
	"github.com/dreamware/fleet/internal/logging"
	"github.com/dreamware/fleet/internal/payload"
	"github.com/dreamware/fleet/internal/ports"
	"github.com/dreamware/fleet/internal/registry"
	"github.com/dreamware/fleet/internal/supervisor"
)

var rootCmd = &cobra.Command{
	Use:           "fleet",
	Short:         "a local cluster supervisor",
	Long:          "Provision, start, stop, monitor and update a fleet of homogeneous worker processes on one machine.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var globalFlags struct {
	configPath string
	logLevel   string
	logJSON    bool
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.configPath, "config", config.DefaultPath(), "config file")
	rootCmd.PersistentFlags().StringVar(&globalFlags.logLevel, "log-level", "", "log level (overrides log_level in the config)")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.logJSON, "log-json", false, "log as JSON")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fleet:", err)
		stop()
		os.Exit(1)
	}
}

// app is the wired object graph every command works on.
type app struct {
	store *config.Store
	log   *zap.Logger
	reg   *registry.FSRegistry
	sup   *supervisor.Supervisor
	mgr   *cluster.Manager
}

// newApp loads the configuration and wires the components.
func newApp() (*app, error) {
	cfg, err := config.Load(globalFlags.configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if globalFlags.logLevel != "" {
		level = globalFlags.logLevel
	}
	log, err := logging.New(level, globalFlags.logJSON)
	if err != nil {
		return nil, err
	}

	store := config.NewStore(cfg)
	reg := registry.NewFSRegistry(cfg.BaseDir, cfg.LogDir, cfg.PortKey)
	sup := supervisor.New(reg, store, logging.Component(log, "supervisor"))
	mgr := cluster.NewManager(reg, sup, ports.NewAllocator(),
		payload.New(cfg.PayloadSource, cfg.PayloadRef), store, logging.Component(log, "manager"))

	return &app{store: store, log: log, reg: reg, sup: sup, mgr: mgr}, nil
}

// withCleanup runs fn and, if the command was interrupted, terminates every
// node with a recorded PID before returning.
func (a *app) withCleanup(cmd *cobra.Command, fn func(ctx context.Context) error) error {
	ctx := cmd.Context()
	err := fn(ctx)
	if ctx.Err() == nil {
		return err
	}

	a.log.Warn("interrupted, stopping all nodes")
	rep, cerr := a.mgr.Cleanup(ctx, false)
	if cerr != nil {
		return fmt.Errorf("interrupted; cleanup failed: %w", cerr)
	}
	printReport(cmd.OutOrStdout(), "cleanup", rep)
	return fmt.Errorf("interrupted")
}
