package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cost_model: 8
max_tasks_per_pu: 4
simulated_quincy:
  delta_preferred_machine: 0.5
  delta_preferred_rack: 0.4
  core_transfer_cost: 3
  tor_transfer_cost: 1
  percent_block_tolerance: 10
  machines_per_rack: 8
  input_blocks: 50
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.CostModel)
	assert.Equal(t, uint64(4), cfg.MaxTasksPerPU)
	assert.Equal(t, 0.5, cfg.SimulatedQuincy.DeltaPreferredMachine)
	assert.Equal(t, int64(3), cfg.SimulatedQuincy.CoreTransferCost)
	// Untouched values keep their defaults.
	assert.Equal(t, uint64(10_000_000), cfg.TimeDependentCostUpdateFrequency)
}

func TestValidateRejectsBadSelector(t *testing.T) {
	cfg := Default()
	cfg.CostModel = 99
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadQuincyDeltas(t *testing.T) {
	cfg := Default()
	cfg.CostModel = 8
	cfg.SimulatedQuincy.DeltaPreferredMachine = 1.5
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsTraceWithoutPath(t *testing.T) {
	cfg := Default()
	cfg.Trace.Generate = true
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/quarry.yaml")
	assert.Error(t, err)
}
