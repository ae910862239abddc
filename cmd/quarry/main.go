package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/events"
	"github.com/quarrylabs/quarry/pkg/executor"
	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/metrics"
	"github.com/quarrylabs/quarry/pkg/scheduler"
	"github.com/quarrylabs/quarry/pkg/trace"
	"github.com/quarrylabs/quarry/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Quarry - min-cost flow cluster scheduler",
	Long: `Quarry schedules the tasks of submitted jobs onto cluster resources by
reducing placement to a min-cost max-flow problem. Cluster topology and
job events maintain a flow network whose arc costs come from a pluggable
cost model; an external solver computes assignments each iteration.`,
	Version: Version,
}

var (
	flagConfig          string
	flagCostModel       int
	flagTimeDepFreq     uint64
	flagMaxTasksPerPU   uint64
	flagPreemption      bool
	flagDebugCostModel  bool
	flagDebugOutputDir  string
	flagGenerateTrace   bool
	flagTracePath       string
	flagSolverPath      string
	flagSolverAlgorithm string
	flagMetricsAddr     string
	flagLogLevel        string
	flagLogJSON         bool
	flagSimMachines     int
	flagScheduleEvery   time.Duration
)

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Quarry version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&flagConfig, "config", "", "Path to YAML config file")
	runCmd.Flags().IntVar(&flagCostModel, "flow-scheduling-cost-model", 0,
		"Cost model: 0=trivial 1=random 2=sjf 3=quincy 4=whare 5=coco 6=octopus 7=void 8=simulated_quincy")
	runCmd.Flags().Uint64Var(&flagTimeDepFreq, "time-dependent-cost-update-frequency", 10_000_000,
		"Microseconds between time-dependent cost refreshes")
	runCmd.Flags().Uint64Var(&flagMaxTasksPerPU, "max-tasks-per-pu", 1, "Task slots per processing unit")
	runCmd.Flags().BoolVar(&flagPreemption, "preemption", false, "Enable task preemption")
	runCmd.Flags().BoolVar(&flagDebugCostModel, "debug-cost-model", false,
		"Write per-iteration cost model CSVs")
	runCmd.Flags().StringVar(&flagDebugOutputDir, "debug-output-dir", "/tmp/quarry-debug",
		"Directory for cost model debug CSVs")
	runCmd.Flags().BoolVar(&flagGenerateTrace, "generate-trace", false, "Enable the trace emitter")
	runCmd.Flags().StringVar(&flagTracePath, "generated-trace-path", "", "Root directory for trace CSVs")
	runCmd.Flags().StringVar(&flagSolverPath, "solver-path", "bin/flowlessly/flow_scheduler",
		"Path to the min-cost flow solver binary")
	runCmd.Flags().StringVar(&flagSolverAlgorithm, "solver-algorithm", "successive_shortest_path",
		"Solver algorithm")
	runCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "Prometheus endpoint address (empty disables)")
	runCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&flagLogJSON, "log-json", true, "JSON log output")
	runCmd.Flags().IntVar(&flagSimMachines, "sim-machines", 0,
		"Register this many simulated machines at startup")
	runCmd.Flags().DurationVar(&flagScheduleEvery, "schedule-every", 10*time.Second,
		"Interval between scheduling iterations")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig(cmd)
		if err != nil {
			return err
		}

		log.Init(cfg.LogLevel, cfg.LogJSON, nil)
		logger := log.WithComponent("main")
		logger.Info().Str("version", Version).Int("cost_model", cfg.CostModel).Msg("quarry starting")

		var emitter *trace.Emitter
		if cfg.Trace.Generate {
			emitter, err = trace.New(cfg.Trace.Path, nil)
			if err != nil {
				// Trace file creation failures are fatal at startup.
				return err
			}
		}

		broker := events.NewBroker()
		broker.Start()

		sched, err := scheduler.New(scheduler.Options{
			Config:   cfg,
			Executor: executor.NewSimulated(),
			Broker:   broker,
			Emitter:  emitter,
		})
		if err != nil {
			return err
		}

		if cfg.MetricsAddr != "" {
			go func() {
				if err := metrics.Serve(cfg.MetricsAddr); err != nil {
					logger.Error().Err(err).Msg("metrics endpoint failed")
				}
			}()
		}

		if flagSimMachines > 0 {
			registerSimulatedCluster(sched, flagSimMachines)
			logger.Info().Int("machines", flagSimMachines).Msg("simulated cluster registered")
		}

		ticker := time.NewTicker(flagScheduleEvery)
		defer ticker.Stop()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		for {
			select {
			case <-ticker.C:
				sched.ScheduleAllJobs()
			case sig := <-sigCh:
				// Shutdown waits for any in-flight iteration to finish.
				logger.Info().Str("signal", sig.String()).Msg("shutting down")
				return sched.Shutdown()
			}
		}
	},
}

// buildConfig loads the optional config file, then lets explicitly set
// flags override it.
func buildConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	set := cmd.Flags().Changed
	if set("flow-scheduling-cost-model") {
		cfg.CostModel = flagCostModel
	}
	if set("time-dependent-cost-update-frequency") {
		cfg.TimeDependentCostUpdateFrequency = flagTimeDepFreq
	}
	if set("max-tasks-per-pu") {
		cfg.MaxTasksPerPU = flagMaxTasksPerPU
	}
	if set("preemption") {
		cfg.Preemption = flagPreemption
	}
	if set("debug-cost-model") {
		cfg.DebugCostModel = flagDebugCostModel
	}
	if set("debug-output-dir") {
		cfg.DebugOutputDir = flagDebugOutputDir
	}
	if set("generate-trace") {
		cfg.Trace.Generate = flagGenerateTrace
	}
	if set("generated-trace-path") {
		cfg.Trace.Path = flagTracePath
	}
	if set("solver-path") {
		cfg.Solver.Path = flagSolverPath
	}
	if set("solver-algorithm") {
		cfg.Solver.Algorithm = flagSolverAlgorithm
	}
	if set("metrics-addr") {
		cfg.MetricsAddr = flagMetricsAddr
	}
	if set("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if set("log-json") {
		cfg.LogJSON = flagLogJSON
	}
	return cfg, cfg.Validate()
}

// registerSimulatedCluster builds a flat cluster of single-PU machines with
// simulation friendly names, so trace ids match the machine index.
func registerSimulatedCluster(sched *scheduler.Scheduler, numMachines int) {
	clusterID := uuid.New().String()
	root := &types.ResourceTopologyNode{
		Desc: &types.ResourceDescriptor{
			UUID:         clusterID,
			FriendlyName: "cluster0",
			Type:         types.ResourceCluster,
		},
	}
	for i := 0; i < numMachines; i++ {
		machineID := uuid.New().String()
		machine := &types.ResourceTopologyNode{
			Desc: &types.ResourceDescriptor{
				UUID:         machineID,
				FriendlyName: fmt.Sprintf("%s%d", trace.SimulationMachinePrefix, i),
				Type:         types.ResourceMachine,
			},
			ParentID: clusterID,
			Children: []*types.ResourceTopologyNode{{
				Desc: &types.ResourceDescriptor{
					UUID: uuid.New().String(),
					Type: types.ResourcePU,
				},
				ParentID: machineID,
			}},
		}
		root.Children = append(root.Children, machine)
	}
	sched.RegisterResource(root, true, true)
}
