package costmodel

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/simdfs"
	"github.com/quarrylabs/quarry/pkg/types"
)

func simQuincyFixture(t *testing.T, cfg SimulatedQuincyConfig) (*simulatedQuincyModel, []types.ResourceID) {
	t.Helper()
	fs := simdfs.New(cfg.MachinesPerRack, simdfs.DefaultBlockDistribution, 1,
		simdfs.WithFilesPerMachine(0))

	p := Params{
		ResourceMap:     types.NewResourceMap(),
		TaskMap:         types.NewTaskMap(),
		JobMap:          types.NewJobMap(),
		Stats:           NewRuntimeStats(func() uint64 { return 0 }),
		MaxTasksPerPU:   1,
		FS:              fs,
		SimulatedQuincy: cfg,
	}
	model, err := newSimulatedQuincy(p)
	require.NoError(t, err)

	machines := make([]types.ResourceID, 4)
	for i := range machines {
		machines[i] = types.ResourceID(uuid.New())
		rd := &types.ResourceDescriptor{
			UUID: machines[i].String(),
			Type: types.ResourceMachine,
		}
		p.ResourceMap.InsertIfNotPresent(rd)
		model.AddMachine(&types.ResourceTopologyNode{Desc: rd})
	}
	return model, machines
}

func TestSimulatedQuincyAllBlocksLocal(t *testing.T) {
	cfg := SimulatedQuincyConfig{
		DeltaPreferredMachine: 0.5,
		DeltaPreferredRack:    0.5,
		CoreTransferCost:      2,
		TorTransferCost:       1,
		PercentBlockTolerance: 0,
		MachinesPerRack:       4,
		InputBlocks:           10,
	}
	model, machines := simQuincyFixture(t, cfg)
	machineA := machines[0]

	// The task's whole input lives on machine A.
	model.fs.AddFile(10, machineA)

	task := types.TaskID(42)
	model.AddTask(task)

	prefs := model.GetTaskPreferenceArcs(task)
	require.Equal(t, []types.ResourceID{machineA}, prefs)
	assert.Equal(t, Cost(0), model.TaskToResourceNode(task, machineA).Cost)

	// Everything is in one rack, so the rack aggregator charges nothing
	// beyond the ToR estimate for the non-local share.
	ecs := model.GetTaskEquivClasses(task)
	require.Len(t, ecs, 2)
	rackEC := ecs[0]
	assert.Equal(t, Cost(10)*Cost(cfg.TorTransferCost), model.TaskToEquivClassAggregator(task, rackEC).Cost)

	// Cluster aggregator prices the worst case: all blocks over the core.
	assert.Equal(t, Cost(20), model.TaskToEquivClassAggregator(task, ClusterAggregatorEC).Cost)
}

func TestSimulatedQuincyTransferCostFormula(t *testing.T) {
	cfg := SimulatedQuincyConfig{
		DeltaPreferredMachine: 0.3,
		DeltaPreferredRack:    0.3,
		CoreTransferCost:      2,
		TorTransferCost:       1,
		PercentBlockTolerance: 0,
		MachinesPerRack:       2,
		InputBlocks:           10,
	}
	model, machines := simQuincyFixture(t, cfg)
	// machines_per_rack = 2: rack 0 = {m0, m1}, rack 1 = {m2, m3}.
	m0, m1 := machines[0], machines[1]

	// 6 blocks on m0, 4 blocks on m1: same rack, distinct files.
	model.fs.AddFile(6, m0)
	model.fs.AddFile(4, m1)

	task := types.TaskID(7)
	model.AddTask(task)

	prefs := model.GetTaskPreferenceArcs(task)
	assert.Len(t, prefs, 2)

	// m0: local 6, rack-exclusive 4, core 0 -> 4*tor = 4.
	assert.Equal(t, Cost(4), model.TaskToResourceNode(task, m0).Cost)
	// m1: local 4, rack-exclusive 6, core 0 -> 6*tor = 6.
	assert.Equal(t, Cost(6), model.TaskToResourceNode(task, m1).Cost)
}

func TestSimulatedQuincyBelowThresholdNotPreferred(t *testing.T) {
	cfg := SimulatedQuincyConfig{
		DeltaPreferredMachine: 0.5,
		DeltaPreferredRack:    0.9,
		CoreTransferCost:      2,
		TorTransferCost:       1,
		PercentBlockTolerance: 0,
		MachinesPerRack:       4,
		InputBlocks:           10,
	}
	model, machines := simQuincyFixture(t, cfg)

	// 4/10 on m0 is under the 0.5 machine threshold.
	model.fs.AddFile(4, machines[0])
	model.fs.AddFile(6, machines[1])

	task := types.TaskID(1)
	model.AddTask(task)

	prefs := model.GetTaskPreferenceArcs(task)
	require.Len(t, prefs, 1)
	assert.Equal(t, machines[1], prefs[0])

	// Non-preferred machines fall back to the cluster aggregator price.
	assert.Equal(t, model.TaskToEquivClassAggregator(task, ClusterAggregatorEC).Cost,
		model.TaskToResourceNode(task, machines[0]).Cost)
}

func TestSimulatedQuincyRemoveMachineDropsPreferences(t *testing.T) {
	cfg := SimulatedQuincyConfig{
		DeltaPreferredMachine: 0.5,
		DeltaPreferredRack:    0.5,
		CoreTransferCost:      2,
		TorTransferCost:       1,
		PercentBlockTolerance: 0,
		MachinesPerRack:       4,
		InputBlocks:           10,
	}
	model, machines := simQuincyFixture(t, cfg)
	model.fs.AddFile(10, machines[0])

	task := types.TaskID(9)
	model.AddTask(task)
	require.Len(t, model.GetTaskPreferenceArcs(task), 1)

	model.RemoveMachine(machines[0])
	assert.Empty(t, model.GetTaskPreferenceArcs(task))
}

func TestSimulatedQuincyRemoveTaskForgetsState(t *testing.T) {
	cfg := DefaultSimulatedQuincyConfig
	cfg.InputBlocks = 10
	model, machines := simQuincyFixture(t, cfg)
	model.fs.AddFile(10, machines[0])

	task := types.TaskID(3)
	model.AddTask(task)
	model.RemoveTask(task)

	assert.Empty(t, model.GetTaskPreferenceArcs(task))
	assert.Equal(t, []types.EquivClass{ClusterAggregatorEC}, model.GetTaskEquivClasses(task))
}

func TestFactoryRejectsUnknownSelector(t *testing.T) {
	_, err := New(ModelType(99), Params{})
	assert.Error(t, err)
}
