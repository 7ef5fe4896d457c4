/*************************************************************************
 * routerd - per-process split-tunnel route manager
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command routerd is the split-tunnel route manager daemon: it wires the
// Process Registry, Flow Filter, Batch Scheduler, Route Table/Installer/
// Verifier, Aggregator, Persistor, Preload, and IPC Facade together behind
// a cobra CLI, following gravwell-gravwell/diskmonitor/main.go's
// flag-parsing-plus-version-print idiom (reimplemented with cobra per the
// pack's more modern idiom, per SPEC_FULL.md §7).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/routermgr/routerd/internal/aggregator"
	"github.com/routermgr/routerd/internal/flow"
	"github.com/routermgr/routerd/internal/ipc"
	"github.com/routermgr/routerd/internal/persist"
	"github.com/routermgr/routerd/internal/preload"
	"github.com/routermgr/routerd/internal/registry"
	"github.com/routermgr/routerd/internal/rlog"
	"github.com/routermgr/routerd/internal/routerconfig"
	"github.com/routermgr/routerd/internal/routetable"
	"github.com/routermgr/routerd/internal/selection"
	"github.com/routermgr/routerd/internal/supervisor"
	"github.com/routermgr/routerd/pkg/flowsource"
	"github.com/routermgr/routerd/pkg/routedriver"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "routerd: automaxprocs: %v\n", err)
	}

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		statePath  string
		gatewayIP  string
		metric     uint32
		logPath    string
		shutdownTO time.Duration
	)

	root := &cobra.Command{
		Use:   "routerd",
		Short: "Per-process split-tunnel route manager",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the router daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), runOpts{
				statePath:       statePath,
				gatewayIP:       gatewayIP,
				metric:          metric,
				logPath:         logPath,
				shutdownTimeout: shutdownTO,
			})
		},
	}
	runCmd.Flags().StringVar(&statePath, "state-file", "routerd_state.txt", "path to the route persistence state file")
	runCmd.Flags().StringVar(&gatewayIP, "gateway", "10.200.210.1", "tunnel gateway IPv4 address")
	runCmd.Flags().Uint32Var(&metric, "metric", 1, "configured route metric")
	runCmd.Flags().StringVar(&logPath, "log-file", "", "path to write structured logs to (stderr if empty)")
	runCmd.Flags().DurationVar(&shutdownTO, "shutdown-timeout", 10*time.Second, "maximum time to wait for workers to stop")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "routerd %s\n", version)
		},
	}

	root.AddCommand(runCmd, versionCmd)
	return root
}

type runOpts struct {
	statePath       string
	gatewayIP       string
	metric          uint32
	logPath         string
	shutdownTimeout time.Duration
}

func run(ctx context.Context, opts runOpts) error {
	log, closeLog, err := openLogger(opts.logPath)
	if err != nil {
		return err
	}
	defer closeLog()

	cfg := routerconfig.Default()
	cfg.GatewayIP = opts.gatewayIP
	cfg.Metric = opts.metric
	if err := cfg.Verify(); err != nil {
		return fmt.Errorf("routerd: invalid configuration: %w", err)
	}

	driver := routedriver.Driver(unimplementedDriver{})
	flowSrc := flowsource.Source(unimplementedSource{})

	sel := selection.New(cfg.SelectedProcesses...)
	reg := registry.New(log, sel)
	installer := routetable.NewInstaller(log, driver, cfg.GatewayIP, cfg.Metric)
	table := routetable.NewTable(log, installer)
	table.OnPreloadCleared(func() {
		cfg.AIPreloadEnabled = false
	})

	persistor := persist.New(log, opts.statePath, table, installer)
	if err := persistor.Load(cfg.GatewayIP); err != nil {
		log.Warn("routerd: failed to load persisted state", log.KVErr(err))
	}
	if cfg.AIPreloadEnabled {
		preload.Apply(log, table, nil)
	}

	verifier := routetable.NewVerifier(log, table, installer)
	agg := aggregator.New(log, table, aggregator.Settings{
		MinHostsToAggregate: cfg.OptimizerSettings.MinHostsToAggregate,
		WasteThresholds:     cfg.OptimizerSettings.WasteThresholds,
	})

	scheduler := flow.NewScheduler(log, table, nil)
	filter := flow.NewFilter(log, reg, scheduler)

	svcs := ipc.NewServices(cfg, time.Now())
	svcs.Log = log
	svcs.Table = table
	svcs.Installer = installer
	svcs.Registry = reg
	svcs.Aggregator = agg
	svcs.Persistor = persistor
	svcs.Filter = filter
	svcs.Sel = sel
	dispatcher := ipc.NewDispatcher(log)
	ipc.RegisterHandlers(dispatcher, svcs)

	sup := supervisor.New(log)
	sup.Register(supervisor.Worker{
		Name: "process-registry",
		Run: func(ctx context.Context) error {
			reg.Start(ctx)
			<-ctx.Done()
			return nil
		},
		Stop: reg.Stop,
	})
	sup.Register(supervisor.Worker{
		Name: "batch-scheduler",
		Run: func(ctx context.Context) error {
			scheduler.Run(ctx)
			return nil
		},
		Stop: scheduler.Stop,
	})
	sup.Register(supervisor.Worker{
		Name: "flow-filter",
		Run: func(ctx context.Context) error {
			return filter.Run(ctx, flowSrc)
		},
		Stop: func() {
			filter.Stop()
			flowSrc.Shutdown()
		},
	})
	sup.Register(supervisor.Worker{
		Name: "verifier",
		Run: func(ctx context.Context) error {
			verifier.Run(ctx)
			return nil
		},
		Stop: verifier.Stop,
	})
	sup.Register(supervisor.Worker{
		Name: "aggregator",
		Run: func(ctx context.Context) error {
			agg.Run(ctx)
			return nil
		},
		Stop: agg.Stop,
	})
	persistStop := make(chan struct{})
	sup.Register(supervisor.Worker{
		Name: "persistor",
		Run: func(ctx context.Context) error {
			persistor.Run(ctx, persistStop)
			return nil
		},
		Stop: func() { close(persistStop) },
	})

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("routerd: starting", log.KV("gateway", cfg.GatewayIP), log.KV("metric", cfg.Metric))
	return sup.Run(sigCtx, opts.shutdownTimeout)
}

func openLogger(path string) (*rlog.Logger, func(), error) {
	if path == "" {
		return rlog.New(os.Stderr, "routerd"), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("routerd: opening log file: %w", err)
	}
	l := rlog.New(f, "routerd")
	return l, func() { l.Close() }, nil
}
