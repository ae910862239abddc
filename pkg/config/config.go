package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quarrylabs/quarry/pkg/costmodel"
)

// SolverConfig locates the external min-cost flow solver.
type SolverConfig struct {
	Path      string `yaml:"path"`
	Algorithm string `yaml:"algorithm"`
}

// TraceConfig controls the trace emitter.
type TraceConfig struct {
	Generate bool   `yaml:"generate"`
	Path     string `yaml:"path"`
}

// Config is the daemon configuration. Flags override file values.
type Config struct {
	// CostModel is the integer cost model selector (0..8).
	CostModel int `yaml:"cost_model"`
	// TimeDependentCostUpdateFrequency is the refresh period for
	// time-dependent arc costs, in microseconds.
	TimeDependentCostUpdateFrequency uint64 `yaml:"time_dependent_cost_update_frequency"`
	MaxTasksPerPU                    uint64 `yaml:"max_tasks_per_pu"`
	Preemption                       bool   `yaml:"preemption"`
	RandomSeed                       int64  `yaml:"random_seed"`

	DebugCostModel bool   `yaml:"debug_cost_model"`
	DebugOutputDir string `yaml:"debug_output_dir"`

	Trace  TraceConfig  `yaml:"trace"`
	Solver SolverConfig `yaml:"solver"`

	SimulatedQuincy costmodel.SimulatedQuincyConfig `yaml:"simulated_quincy"`

	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
}

// Default returns the configuration the daemon runs with when neither file
// nor flags override it.
func Default() Config {
	return Config{
		CostModel:                        int(costmodel.ModelTrivial),
		TimeDependentCostUpdateFrequency: 10_000_000,
		MaxTasksPerPU:                    1,
		RandomSeed:                       42,
		DebugOutputDir:                   "/tmp/quarry-debug",
		Solver: SolverConfig{
			Path:      "bin/flowlessly/flow_scheduler",
			Algorithm: "successive_shortest_path",
		},
		SimulatedQuincy: costmodel.DefaultSimulatedQuincyConfig,
		LogLevel:        "info",
		LogJSON:         true,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the scheduler cannot run with.
func (c Config) Validate() error {
	if c.CostModel < int(costmodel.ModelTrivial) || c.CostModel > int(costmodel.ModelSimulatedQuincy) {
		return fmt.Errorf("config: cost_model %d outside 0..%d", c.CostModel, int(costmodel.ModelSimulatedQuincy))
	}
	if c.MaxTasksPerPU == 0 {
		return fmt.Errorf("config: max_tasks_per_pu must be positive")
	}
	if c.Trace.Generate && c.Trace.Path == "" {
		return fmt.Errorf("config: trace generation enabled without a path")
	}
	if costmodel.ModelType(c.CostModel) == costmodel.ModelSimulatedQuincy {
		sq := c.SimulatedQuincy
		if sq.DeltaPreferredMachine <= 0 || sq.DeltaPreferredMachine > 1 {
			return fmt.Errorf("config: delta_preferred_machine %v outside (0,1]", sq.DeltaPreferredMachine)
		}
		if sq.DeltaPreferredRack <= 0 || sq.DeltaPreferredRack > 1 {
			return fmt.Errorf("config: delta_preferred_rack %v outside (0,1]", sq.DeltaPreferredRack)
		}
		if sq.MachinesPerRack <= 0 {
			return fmt.Errorf("config: machines_per_rack must be positive")
		}
	}
	return nil
}
