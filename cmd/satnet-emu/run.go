package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/execabs"

	"github.com/signalsfoundry/satnet-emulator/core"
	"github.com/signalsfoundry/satnet-emulator/internal/adjacency"
	"github.com/signalsfoundry/satnet-emulator/internal/controlapi"
	"github.com/signalsfoundry/satnet-emulator/internal/controller"
	"github.com/signalsfoundry/satnet-emulator/internal/daemon"
	"github.com/signalsfoundry/satnet-emulator/internal/handover"
	"github.com/signalsfoundry/satnet-emulator/internal/logging"
	"github.com/signalsfoundry/satnet-emulator/internal/observability"
	"github.com/signalsfoundry/satnet-emulator/internal/router"
	"github.com/signalsfoundry/satnet-emulator/internal/session"
	"github.com/signalsfoundry/satnet-emulator/internal/substrate"
	"github.com/signalsfoundry/satnet-emulator/model"
	"github.com/signalsfoundry/satnet-emulator/timectrl"
)

type runOptions struct {
	ndnd          string
	stateDir      string
	network       string
	udpPort       int
	cli           bool
	topologyPath  string
	handoverAfter time.Duration
	nsPrefix      string
	metricsAddr   string
	controlAddr   string
	dryRun        bool
	readyTimeout  time.Duration
	grace         time.Duration

	accessBW     float64
	accessDelay  time.Duration
	accessJitter time.Duration
	accessLoss   float64
	islBW        float64
	islDelay     time.Duration
	islJitter    time.Duration
	islLoss      float64
	queue        int
}

func newRunCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build the topology, start the daemons and keep them running",
		Long: `Build the topology (the built-in five node constellation unless --topology is given), ` +
			`start one forwarding daemon per node and run until interrupted, or until the operator ` +
			`quits when --cli is set. Everything is torn down on exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := g.logger(cmd.ErrOrStderr())
			return runEmulator(cmd.Context(), o, cmd.InOrStdin(), cmd.OutOrStdout(), log)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.ndnd, "ndnd", "", "path to the ndnd binary (default: ndnd on PATH, then ./ndnd/ndnd)")
	f.StringVar(&o.stateDir, "state-dir", core.DefaultStateDir, "where per-node configs, sockets and logs are kept")
	f.StringVar(&o.network, "network", daemon.DefaultNetwork, "routing network prefix shared by all nodes")
	f.IntVar(&o.udpPort, "udp-port", daemon.DefaultUDPPort, "UDP port for daemon faces")
	f.BoolVar(&o.cli, "cli", false, "read operator commands from stdin after startup")
	f.StringVar(&o.topologyPath, "topology", "", "JSON topology file (default: built-in leo5)")
	f.DurationVar(&o.handoverAfter, "handover-after", 0, "move g1 and g2 onto s2 after this long (leo5 only, 0 disables)")
	f.StringVar(&o.nsPrefix, "ns-prefix", substrate.DefaultNamespacePrefix, "network namespace name prefix")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address")
	f.StringVar(&o.controlAddr, "control-addr", "", "serve the gRPC health API on this address")
	f.BoolVar(&o.dryRun, "dry-run", false, "print the substrate commands instead of running them")
	f.DurationVar(&o.readyTimeout, "ready-timeout", daemon.DefaultReadyTimeout, "how long to wait for every daemon's socket")
	f.DurationVar(&o.grace, "stop-grace", 2*time.Second, "how long a daemon gets between SIGTERM and SIGKILL")

	access, isl := model.DefaultAccessProfile, model.DefaultInterRelayProfile
	f.Float64Var(&o.accessBW, "access-bw", access.BandwidthMbps(), "access link bandwidth (Mbit/s)")
	f.DurationVar(&o.accessDelay, "access-delay", access.Delay(), "access link one-way delay")
	f.DurationVar(&o.accessJitter, "access-jitter", access.Jitter(), "access link delay jitter")
	f.Float64Var(&o.accessLoss, "access-loss", access.Loss(), "access link loss probability (0..1)")
	f.Float64Var(&o.islBW, "isl-bw", isl.BandwidthMbps(), "inter-relay link bandwidth (Mbit/s)")
	f.DurationVar(&o.islDelay, "isl-delay", isl.Delay(), "inter-relay link one-way delay")
	f.DurationVar(&o.islJitter, "isl-jitter", isl.Jitter(), "inter-relay link delay jitter")
	f.Float64Var(&o.islLoss, "isl-loss", isl.Loss(), "inter-relay link loss probability (0..1)")
	f.IntVar(&o.queue, "queue", access.Queue(), "link queue size (packets)")
	return cmd
}

func (o *runOptions) classDefaults() (model.ClassDefaults, error) {
	access, err := model.NewLinkProfile(o.accessBW, o.accessDelay, o.accessJitter, o.accessLoss, o.queue)
	if err != nil {
		return nil, fmt.Errorf("access profile: %w", err)
	}
	isl, err := model.NewLinkProfile(o.islBW, o.islDelay, o.islJitter, o.islLoss, o.queue)
	if err != nil {
		return nil, fmt.Errorf("inter-relay profile: %w", err)
	}
	return model.ClassDefaults{
		model.LinkClassAccess:     access,
		model.LinkClassInterRelay: isl,
	}, nil
}

func (o *runOptions) topology() (model.TopologySpec, error) {
	if o.topologyPath == "" {
		return model.LEO5(o.handoverAfter), nil
	}
	spec, err := model.LoadTopologyFile(o.topologyPath)
	if err != nil {
		return model.TopologySpec{}, err
	}
	return *spec, nil
}

// findNDND resolves the daemon binary the way an operator expects: an
// explicit path, then PATH, then a checkout next to the working directory.
func findNDND(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("ndnd binary: %w", err)
		}
		return explicit, nil
	}
	if p, err := execabs.LookPath("ndnd"); err == nil {
		return p, nil
	}
	if _, err := os.Stat("ndnd/ndnd"); err == nil {
		return "ndnd/ndnd", nil
	}
	return "", errors.New("ndnd binary not found: pass --ndnd or put ndnd on PATH")
}

func runEmulator(ctx context.Context, o *runOptions, in io.Reader, out io.Writer, log logging.Logger) (err error) {
	spec, err := o.topology()
	if err != nil {
		return err
	}
	defaults, err := o.classDefaults()
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewCollector(prometheus.NewRegistry())
	if err != nil {
		return err
	}
	if srv := serveMetrics(o.metricsAddr, collector, log); srv != nil {
		defer shutdownHTTP(srv)
	}

	var (
		sh       substrate.Shell = &substrate.LinuxShell{Log: log}
		dry      *substrate.DryRunShell
		launcher *daemon.Launcher
		binary   string
	)
	if o.dryRun {
		dry = &substrate.DryRunShell{}
		sh = dry
	} else {
		if binary, err = findNDND(o.ndnd); err != nil {
			return err
		}
		launcher = &daemon.Launcher{Binary: binary, Network: o.network, UDPPort: o.udpPort, Log: log}
	}
	sub := substrate.NewNetns(sh, o.nsPrefix)

	opts := []core.Option{
		core.WithLogger(log),
		core.WithMetricsRecorder(collector),
		core.WithStateDir(o.stateDir),
		core.WithClassDefaults(defaults),
		core.WithReadyTimeout(o.readyTimeout),
		core.WithTeardownGrace(o.grace),
	}
	if o.controlAddr != "" {
		lis, err := net.Listen("tcp", o.controlAddr)
		if err != nil {
			return fmt.Errorf("control api: %w", err)
		}
		api := controlapi.New(log, collector)
		go func() {
			if err := api.Serve(lis); err != nil {
				log.Warn(context.Background(), "control api exited", logging.Err(err))
			}
		}()
		defer api.Stop()
		opts = append(opts, core.WithStatusListener(api))
	}

	topo, err := core.NewBuilder(sub, launcher, opts...).Build(ctx, spec)
	if err != nil {
		return err
	}

	if o.dryRun {
		terr := topo.Teardown(context.WithoutCancel(ctx))
		for _, line := range dry.Commands() {
			fmt.Fprintln(out, line)
		}
		return terr
	}
	defer func() {
		if terr := topo.Teardown(context.WithoutCancel(ctx)); terr != nil {
			log.Error(ctx, "teardown incomplete", logging.Err(terr))
			err = errors.Join(err, terr)
		}
	}()

	rt := router.New(topo.Registry(), router.Config{Binary: binary, Hosts: sub, Log: log, Metrics: collector})
	if self, err := os.Executable(); err == nil {
		if helper, err := router.WriteHelper(topo.StateDir(), self); err == nil {
			topo.TrackFile(helper)
		} else {
			log.Warn(ctx, "dispatch helper not written", logging.Err(err))
		}
	}

	adj := adjacency.New(rt, topo, o.udpPort, log)
	if err := adj.ConnectAll(ctx); err != nil {
		log.Warn(ctx, "some adjacencies were not created", logging.Err(err))
	}

	sched := handover.New(timectrl.NewWallClock(), topo,
		handover.WithLogger(log),
		handover.WithMetricsRecorder(collector),
	)
	sched.ScheduleSpec(topo.Handovers())
	sched.OnFired(adj.Hook(ctx))

	printBanner(out, topo)

	cfg := controller.Config{Scheduler: sched, Log: log}
	if o.cli {
		cfg.Console = session.New(session.Config{
			Topology:  topo,
			Router:    rt,
			Adjacency: adj,
			Events:    sched,
			Out:       out,
			Log:       log,
		})
		cfg.Input = in
		cfg.PromptOut = out
	}
	if err := controller.New(cfg).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printBanner(out io.Writer, topo *core.Topology) {
	bold := color.New(color.Bold)
	bold.Fprintf(out, "ndnd is running on %d nodes of %s\n", topo.Registry().Len(), topo.Name())
	fmt.Fprintf(out, "state in %s\n", topo.StateDir())
	fmt.Fprintf(out, "from another terminal: %s/%s <node> <command> [args...]\n", topo.StateDir(), router.HelperName)
	fmt.Fprintf(out, "example: g1 put -expose /g1/hello < /tmp/hello.txt\n")
}
