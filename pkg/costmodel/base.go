package costmodel

import (
	"github.com/quarrylabs/quarry/pkg/flowgraph"
	"github.com/quarrylabs/quarry/pkg/simdfs"
	"github.com/quarrylabs/quarry/pkg/types"
)

// Cost bounds shared by the models. WaitTimeCostFactor converts microseconds
// of wait into cost units so unscheduled penalties grow over time without
// overflowing the bound.
const (
	MaxCost            Cost = 1 << 42
	WaitTimeCostFactor      = 500_000 // µs of wait per unit of cost
	omegaPreemptionCost     = 1000
)

// Params carries the shared state a cost model may need. The maps are owned
// by the scheduling driver; the model only reads them.
type Params struct {
	ResourceMap *types.ResourceMap
	TaskMap     *types.TaskMap
	JobMap      *types.JobMap
	// LeafResourceIDs is maintained by the flow manager: the set of PUs.
	LeafResourceIDs map[types.ResourceID]struct{}
	Stats           *RuntimeStats
	MaxTasksPerPU   uint64
	// FS and SimulatedQuincy configure the SimulatedQuincy model only.
	FS              *simdfs.FS
	SimulatedQuincy SimulatedQuincyConfig
	// RandomSeed seeds the Random model.
	RandomSeed int64
}

// noStats provides no-op statistics passes for models that do not
// aggregate anything over the topology.
type noStats struct{}

func (noStats) PrepareStats(*flowgraph.Node) {}
func (noStats) GatherStats(accumulator, _ *flowgraph.Node) *flowgraph.Node {
	return accumulator
}
func (noStats) UpdateStats(accumulator, _ *flowgraph.Node) *flowgraph.Node {
	return accumulator
}

// slotStats implements the slot-accounting statistics passes shared by the
// models that size EC arcs by free slots: every PU contributes
// maxTasksPerPU slots and its running task count, inner resource nodes sum
// their children.
type slotStats struct {
	maxTasksPerPU uint64
}

func (s slotStats) PrepareStats(accumulator *flowgraph.Node) {
	if !accumulator.IsResourceNode() || accumulator.ResourceDesc == nil {
		return
	}
	accumulator.ResourceDesc.NumRunningTasksBelow = 0
	accumulator.ResourceDesc.NumSlotsBelow = 0
}

func (s slotStats) GatherStats(accumulator, other *flowgraph.Node) *flowgraph.Node {
	if !accumulator.IsResourceNode() || accumulator.ResourceDesc == nil {
		return accumulator
	}
	if !other.IsResourceNode() {
		if other.Type == flowgraph.NodeTypeSink {
			// accumulator is a PU.
			accumulator.ResourceDesc.NumRunningTasksBelow =
				uint64(len(accumulator.ResourceDesc.CurrentRunningTasks))
			accumulator.ResourceDesc.NumSlotsBelow = s.maxTasksPerPU
		}
		return accumulator
	}
	accumulator.ResourceDesc.NumRunningTasksBelow += other.ResourceDesc.NumRunningTasksBelow
	accumulator.ResourceDesc.NumSlotsBelow += other.ResourceDesc.NumSlotsBelow
	return accumulator
}

func (s slotStats) UpdateStats(accumulator, _ *flowgraph.Node) *flowgraph.Node {
	return accumulator
}

// freeSlots returns the unreserved slot count below a resource.
func freeSlots(rd *types.ResourceDescriptor) uint64 {
	if rd.NumSlotsBelow < rd.NumRunningTasksBelow {
		return 0
	}
	return rd.NumSlotsBelow - rd.NumRunningTasksBelow
}

// waitTimeCost converts a task's accumulated wait into a monotonically
// non-decreasing unscheduled cost.
func waitTimeCost(stats *RuntimeStats, id types.TaskID, base Cost) Cost {
	c := base + Cost(stats.WaitTime(id)/WaitTimeCostFactor)
	if c > MaxCost {
		return MaxCost
	}
	return c
}
