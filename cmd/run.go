package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/billm/tutornet/internal/config"
	"github.com/billm/tutornet/internal/logger"
	"github.com/billm/tutornet/pkg/bus/membus"
	tgrpc "github.com/billm/tutornet/pkg/grpc"
	"github.com/billm/tutornet/pkg/metrics"
	"github.com/billm/tutornet/pkg/node"
	"github.com/billm/tutornet/pkg/types"
)

var (
	runModules        []string
	runHost           string
	runCodec          string
	runAckTimeout     time.Duration
	runServerMode     bool
	runRedirect       bool
	runHealthAddress  string
	runMetricsAddress string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured module nodes",
	Long: `Run starts every node listed in the configuration file plus any given with
--module, all sharing one in-process bus. The process stops on SIGINT, SIGTERM
or when one of its nodes receives a KILL_MODULE message. SIGHUP reloads the
configuration file and applies its log level.`,
	RunE: runNodes,
}

func runNodes(cmd *cobra.Command, args []string) error {
	overrides := config.OverrideOptions{
		Codec:          runCodec,
		Host:           runHost,
		AckTimeout:     runAckTimeout,
		HealthAddress:  runHealthAddress,
		MetricsAddress: runMetricsAddress,
	}
	if cmd.Flags().Changed("server-mode") {
		overrides.ServerMode = &runServerMode
	}
	if cmd.Flags().Changed("redirect-tutor-to-gateway") {
		overrides.RedirectTutorToGateway = &runRedirect
	}

	cfg, err := loadConfig(overrides)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer rootLog.Close()

	specs, err := nodeConfigs(cfg, runModules)
	if err != nil {
		return err
	}

	rootLog.Info("Starting tutornet", "version", Version, "config", cfg.String())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mc := metrics.New(reg)
	broker := membus.New(membus.WithLogger(rootLog))

	var (
		health *tgrpc.HealthServer
		server *tgrpc.Server
	)
	if cfg.Health.Enabled {
		health = tgrpc.NewHealthServer(rootLog)
		server, err = tgrpc.NewServer(cfg.Health.Address, tgrpc.ServerConfig{
			ShutdownTimeout: cfg.ShutdownTimeout,
			Interceptors:    tgrpc.Interceptors(rootLog),
		}, rootLog)
		if err != nil {
			return err
		}
		if err := server.RegisterService(&grpc_health_v1.Health_ServiceDesc, health); err != nil {
			return err
		}
	}

	nodes := make([]*node.Node, 0, len(specs))
	for _, nc := range specs {
		mt, err := types.ParseModuleType(nc.Module)
		if err != nil {
			return err
		}
		n, err := node.New(broker, cfg, node.Options{
			ModuleType: mt,
			Name:       nc.Name,
			Instance:   nc.Instance,
			Health:     health,
			Logger:     rootLog,
			Metrics:    mc,
		})
		if err != nil {
			return fmt.Errorf("failed to create %s node: %w", nc.Module, err)
		}
		nodes = append(nodes, n)
	}

	if err := startNodes(cmd.Context(), nodes); err != nil {
		return err
	}

	closers := make([]node.Closer, len(nodes))
	for i, n := range nodes {
		closers[i] = n
	}
	shutdown := node.NewShutdownManager(cfg.ShutdownTimeout, rootLog, closers...)

	runCtx, stopRun := context.WithCancel(cmd.Context())
	defer stopRun()
	g, gctx := errgroup.WithContext(runCtx)

	if server != nil {
		if err := server.Start(gctx); err != nil {
			_ = shutdown.Shutdown(context.Background(), "health server failed to start")
			return err
		}
		shutdown.AddHook(func(ctx context.Context) error {
			health.Shutdown()
			return nil
		})
		shutdown.AddPostHook(func(ctx context.Context) error {
			return server.Stop()
		})
	}

	if cfg.Metrics.Enabled {
		ms := metrics.NewServer(cfg.Metrics.Address, cfg.Metrics.Path, reg)
		g.Go(func() error {
			rootLog.Info("Metrics server listening", "address", cfg.Metrics.Address, "path", cfg.Metrics.Path)
			return ms.Serve(gctx)
		})
	}
	shutdown.AddPostHook(func(ctx context.Context) error {
		stopRun()
		return nil
	})

	reloader := config.NewReloader(configPath(), cfg, rootLog.Slog())
	reloader.AddCallback(func(ctx context.Context, newConfig *config.Config) error {
		level, err := logger.ParseLevel(newConfig.Logging.Level)
		if err != nil {
			return err
		}
		rootLog.SetLevel(level)
		rootLog.Info("Configuration reloaded", "log_level", level.String())
		return nil
	})
	reloader.Start()
	shutdown.AddHook(func(ctx context.Context) error {
		reloader.Stop()
		return nil
	})

	for _, n := range nodes {
		shutdown.WatchKill(n)
	}
	shutdown.Start()
	defer shutdown.Stop()

	rootLog.Info("Tutornet is running. Press Ctrl+C to stop.", "nodes", len(nodes))

	// A failing metrics server takes the process down with it.
	g.Go(func() error {
		<-gctx.Done()
		if err := shutdown.ShutdownAndWait(context.Background(), "run context done"); err != nil &&
			!types.IsErrCode(err, types.ErrCodeFailedPrecondition) {
			return err
		}
		return nil
	})

	<-shutdown.Done()
	stopRun()
	if err := g.Wait(); err != nil {
		rootLog.Error("Tutornet stopped with errors", "error", err)
		return err
	}
	if err := shutdown.WaitCompletion(context.Background()); err != nil {
		return err
	}

	rootLog.Info("Tutornet shutdown complete", "reason", shutdown.ShutdownReason())
	return nil
}

// nodeConfigs merges the configured nodes with those named on the command line
func nodeConfigs(cfg *config.Config, modules []string) ([]config.NodeConfig, error) {
	specs := append([]config.NodeConfig(nil), cfg.Nodes...)
	for _, m := range modules {
		mt, err := types.ParseModuleType(m)
		if err != nil {
			return nil, err
		}
		specs = append(specs, config.NodeConfig{Module: string(mt), Name: mt.DisplayName()})
	}
	if len(specs) == 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			"no nodes configured: list them under nodes in the config file or pass --module")
	}
	return specs, nil
}

// startNodes starts every node concurrently. If any fails the ones that did
// start are closed again.
func startNodes(ctx context.Context, nodes []*node.Node) error {
	started := make([]bool, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			if err := n.Start(gctx); err != nil {
				return fmt.Errorf("failed to start %s: %w", n.Status().Address, err)
			}
			started[i] = true
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		return nil
	}
	for i, n := range nodes {
		if started[i] {
			_ = n.Close(context.Background())
		}
	}
	return err
}

func init() {
	f := runCmd.Flags()
	f.StringSliceVar(&runModules, "module", nil,
		"Module type to run, may be repeated (UMS, LMS, Domain, Pedagogical, Learner, Sensor, Tutor, Gateway, Monitor)")
	f.StringVar(&runHost, "host", "",
		"Host part of node addresses (default: from config or env)")
	f.StringVar(&runCodec, "codec", "",
		"Envelope codec: json, binary (default: from config or env)")
	f.DurationVar(&runAckTimeout, "ack-timeout", 0,
		"How long a tracked request waits for its reply (default: from config or env)")
	f.BoolVar(&runServerMode, "server-mode", false,
		"Keep peer clients open across sessions")
	f.BoolVar(&runRedirect, "redirect-tutor-to-gateway", false,
		"Route messages addressed to the tutor to the gateway")
	f.StringVar(&runHealthAddress, "health-address", "",
		"Serve gRPC health checks at this address (default: "+config.DefaultHealthAddress+" when enabled)")
	f.StringVar(&runMetricsAddress, "metrics-address", "",
		"Serve Prometheus metrics at this address (default: "+config.DefaultMetricsAddress+" when enabled)")
}
