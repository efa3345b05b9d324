package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/fleet/internal/api"
	"github.com/dreamware/fleet/internal/batch"
	"github.com/dreamware/fleet/internal/cluster"
	"github.com/dreamware/fleet/internal/config"
	"github.com/dreamware/fleet/internal/health"
	"github.com/dreamware/fleet/internal/logging"
)

func init() {
	rootCmd.AddCommand(installCmd, startCmd, stopCmd, restartCmd, statusCmd,
		updateCmd, cleanupCmd, removeCmd, monitorCmd, checkCmd)

	installCmd.Flags().Bool("skip-checks", false, "do not verify the launch command and payload source first")
	stopCmd.Flags().Bool("force", false, "clear PID records whose process is already gone")
	restartCmd.Flags().String("remote", "", "restart through a running monitor API (e.g. http://127.0.0.1:8069)")
	statusCmd.Flags().String("remote", "", "read status from a running monitor API (e.g. http://127.0.0.1:8069)")
	statusCmd.Flags().Bool("json", false, "print JSON")
	cleanupCmd.Flags().Bool("purge", false, "also delete node directories and logs")
	monitorCmd.Flags().String("addr", "", "status API address (default api_addr from the config)")
	monitorCmd.Flags().Bool("no-api", false, "do not serve the status API")
	monitorCmd.Flags().Bool("keep-nodes", false, "leave nodes running when the monitor exits")
	monitorCmd.Flags().Bool("once", false, "run a single health pass and exit")
}

// finish prints a batch report and turns its failures into the command's error.
func finish(cmd *cobra.Command, name string, rep batch.Report, err error) error {
	printReport(cmd.OutOrStdout(), name, rep)
	return errors.Join(err, rep.Err())
}

var installCmd = &cobra.Command{
	Use:     "install COUNT",
	Short:   "provision and launch new nodes",
	Example: "fleet install 3",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := strconv.Atoi(args[0])
		if err != nil || count <= 0 {
			return fmt.Errorf("COUNT must be a positive integer, got %q", args[0])
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		if skip, _ := cmd.Flags().GetBool("skip-checks"); !skip {
			if err := a.mgr.CheckStartup(cmd.Context()); err != nil {
				return err
			}
		}
		return a.withCleanup(cmd, func(ctx context.Context) error {
			rep, err := a.mgr.Install(ctx, count)
			return finish(cmd, "install", rep, err)
		})
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "launch every node that is not running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		return a.withCleanup(cmd, func(ctx context.Context) error {
			rep, err := a.mgr.StartAll(ctx)
			return finish(cmd, "start", rep, err)
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "terminate every node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		rep, err := a.mgr.StopAll(cmd.Context(), force)
		return finish(cmd, "stop", rep, err)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart [ID...]",
	Short: "restart the given nodes, or stop every node and then start every node",
	Long: "Without IDs every node is stopped, then every node is started. With IDs each node " +
		"is stopped and relaunched on its own. With --remote the restarts are done by a " +
		"running monitor, so its health records follow them.",
	Example: "fleet restart\nfleet restart 2 3\nfleet restart 2 --remote http://127.0.0.1:8069",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		if remote, _ := cmd.Flags().GetString("remote"); remote != "" {
			if len(ids) == 0 {
				return fmt.Errorf("--remote needs at least one node ID")
			}
			return restartEach(cmd, ids, func(ctx context.Context, id int) (int, error) {
				out, err := cluster.RemoteRestart(ctx, remote, id)
				return out.PID, err
			})
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		return a.withCleanup(cmd, func(ctx context.Context) error {
			if len(ids) > 0 {
				return restartEach(cmd, ids, a.mgr.Restart)
			}
			stop, start, err := a.mgr.RestartAll(ctx)
			printReport(cmd.OutOrStdout(), "stop", stop)
			return finish(cmd, "start", start, errors.Join(err, stop.Err()))
		})
	},
}

// restartEach restarts the nodes one after another, printing a line per node.
func restartEach(cmd *cobra.Command, ids []int, restart func(ctx context.Context, id int) (int, error)) error {
	var errs []error
	for _, id := range ids {
		pid, err := restart(cmd.Context(), id)
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "node %d: FAILED: %v\n", id, err)
			errs = append(errs, fmt.Errorf("node %d: %w", id, err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "node %d: pid %d\n", id, pid)
	}
	return errors.Join(errs...)
}

// parseIDs converts node ID arguments.
func parseIDs(args []string) ([]int, error) {
	ids := make([]int, 0, len(args))
	for _, arg := range args {
		id, err := strconv.Atoi(arg)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("invalid node id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "show node states, ports and PIDs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		var (
			nodes []cluster.Node
			err   error
		)
		if remote, _ := cmd.Flags().GetString("remote"); remote != "" {
			nodes, err = cluster.RemoteStatus(cmd.Context(), remote)
		} else {
			var a *app
			if a, err = newApp(); err != nil {
				return err
			}
			nodes, err = a.mgr.Status(cmd.Context())
		}
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), nodes)
		}
		printStatus(cmd.OutOrStdout(), nodes)
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "refresh every node's payload in place (no restart)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.mgr.CheckStartup(cmd.Context()); err != nil {
			return err
		}
		rep, err := a.mgr.UpdateAll(cmd.Context())
		return finish(cmd, "update", rep, err)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "terminate every node, optionally deleting its state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		purge, _ := cmd.Flags().GetBool("purge")
		rep, err := a.mgr.Cleanup(cmd.Context(), purge)
		return finish(cmd, "cleanup", rep, err)
	},
}

var removeCmd = &cobra.Command{
	Use:     "remove ID...",
	Short:   "terminate and uninstall the given nodes",
	Example: "fleet remove 2 3",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		a, err := newApp()
		if err != nil {
			return err
		}
		return finish(cmd, "remove", a.mgr.Remove(cmd.Context(), ids), nil)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "verify the launch command and payload source",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.mgr.CheckStartup(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "run the health loop and the status API until interrupted",
	Long: "Checks every node each health_interval, relaunching crashed nodes and restarting " +
		"unresponsive ones. The config file is watched and reloaded on change; edits to " +
		"directories, port_key, payload, api_addr or log_level need a monitor restart. On interrupt " +
		"all nodes are stopped unless --keep-nodes is given.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if err := a.mgr.CheckStartup(ctx); err != nil {
			return err
		}

		mon := health.NewMonitor(a.reg, a.sup, a.store, logging.Component(a.log, "monitor"))
		mon.SetRecoverFunction(a.mgr.Recover)

		if once, _ := cmd.Flags().GetBool("once"); once {
			for _, ev := range mon.Tick(ctx) {
				fmt.Fprintln(cmd.OutOrStdout(), ev)
			}
			return nil
		}

		if err := config.Watch(ctx, globalFlags.configPath, a.mgr.Reload, logging.Component(a.log, "config")); err != nil {
			a.log.Warn("config watch disabled: " + err.Error())
		}

		// A failed API listener stops the monitor too.
		g, gctx := errgroup.WithContext(ctx)
		if noAPI, _ := cmd.Flags().GetBool("no-api"); !noAPI {
			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = a.store.Current().APIAddr
			}
			srv := api.NewServer(a.mgr, mon, logging.Component(a.log, "api"))
			g.Go(func() error { return api.Serve(gctx, addr, srv.Routes(), a.log) })
		}
		g.Go(func() error {
			mon.Run(gctx)
			return nil
		})
		runErr := g.Wait()

		if keep, _ := cmd.Flags().GetBool("keep-nodes"); keep {
			return runErr
		}
		rep, err := a.mgr.Cleanup(ctx, false)
		return finish(cmd, "cleanup", rep, errors.Join(runErr, err))
	},
}
