package costmodel

import (
	"github.com/quarrylabs/quarry/pkg/types"
)

// sjfModel approximates shortest-job-first: tasks whose equivalence class has
// a short observed average runtime get cheaper arcs into the cluster, so the
// solver drains them first. Runtimes come from the knowledge base, fed by
// task final reports.
type sjfModel struct {
	slotStats
	resourceMap *types.ResourceMap
	taskMap     *types.TaskMap
	stats       *RuntimeStats
	machines    map[types.ResourceID]struct{}
}

var _ CostModel = (*sjfModel)(nil)

// Runtime-to-cost scale: one cost unit per 100ms of expected runtime.
const sjfRuntimeScale = 100_000

func newSJF(p Params) *sjfModel {
	return &sjfModel{
		slotStats:   slotStats{maxTasksPerPU: p.MaxTasksPerPU},
		resourceMap: p.ResourceMap,
		taskMap:     p.TaskMap,
		stats:       p.Stats,
		machines:    make(map[types.ResourceID]struct{}),
	}
}

// taskEC derives a task's equivalence class from its name, so repeated runs
// of the same binary share runtime statistics.
func (m *sjfModel) taskEC(id types.TaskID) types.EquivClass {
	td := m.taskMap.FindPtrOrNil(id)
	if td == nil {
		return ClusterAggregatorEC
	}
	return HashToEquivClass([]byte(td.Name))
}

func (m *sjfModel) expectedRuntimeCost(id types.TaskID) Cost {
	avg, ok := m.stats.AvgRuntime(m.taskEC(id))
	if !ok {
		// No history yet: price conservatively in the middle of the range.
		return MaxCost / 2 / sjfRuntimeScale
	}
	c := Cost(avg / sjfRuntimeScale)
	if c > MaxCost {
		return MaxCost
	}
	return c
}

func (m *sjfModel) TaskToUnscheduledAgg(id types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: waitTimeCost(m.stats, id, m.expectedRuntimeCost(id)+1), Capacity: 1}
}

func (m *sjfModel) UnscheduledAggToSink(types.JobID) ArcDescriptor {
	return ArcDescriptor{Cost: 0}
}

func (m *sjfModel) TaskToResourceNode(id types.TaskID, _ types.ResourceID) ArcDescriptor {
	return ArcDescriptor{Cost: m.expectedRuntimeCost(id), Capacity: 1}
}

func (m *sjfModel) ResourceNodeToResourceNode(_, dst *types.ResourceDescriptor) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: freeSlots(dst)}
}

func (m *sjfModel) LeafResourceNodeToSink(types.ResourceID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: m.maxTasksPerPU}
}

func (m *sjfModel) TaskContinuation(types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: 1}
}

func (m *sjfModel) TaskPreemption(types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: omegaPreemptionCost, Capacity: 1}
}

func (m *sjfModel) TaskToEquivClassAggregator(id types.TaskID, _ types.EquivClass) ArcDescriptor {
	return ArcDescriptor{Cost: m.expectedRuntimeCost(id), Capacity: 1}
}

func (m *sjfModel) EquivClassToResourceNode(_ types.EquivClass, id types.ResourceID) ArcDescriptor {
	rd := m.resourceMap.FindPtrOrNil(id)
	if rd == nil {
		return ArcDescriptor{Cost: 0, Capacity: 1}
	}
	return ArcDescriptor{Cost: 0, Capacity: freeSlots(rd)}
}

func (m *sjfModel) EquivClassToEquivClass(_, _ types.EquivClass) ArcDescriptor {
	// Task ECs drain into the cluster aggregator; capacity is bounded by
	// the cluster's total slot count.
	return ArcDescriptor{Cost: 0, Capacity: m.maxTasksPerPU * uint64(len(m.machines)+1)}
}

func (m *sjfModel) GetTaskEquivClasses(id types.TaskID) []types.EquivClass {
	return []types.EquivClass{m.taskEC(id), ClusterAggregatorEC}
}

func (m *sjfModel) GetResourceEquivClasses(types.ResourceID) []types.EquivClass {
	return nil
}

func (m *sjfModel) GetOutgoingEquivClassPrefArcs(ec types.EquivClass) []types.ResourceID {
	if ec != ClusterAggregatorEC {
		return nil
	}
	res := make([]types.ResourceID, 0, len(m.machines))
	for id := range m.machines {
		res = append(res, id)
	}
	return res
}

func (m *sjfModel) GetTaskPreferenceArcs(types.TaskID) []types.ResourceID {
	return nil
}

func (m *sjfModel) GetEquivClassToEquivClassesArcs(ec types.EquivClass) []types.EquivClass {
	if ec == ClusterAggregatorEC {
		return nil
	}
	// Task ECs drain through the cluster aggregator.
	return []types.EquivClass{ClusterAggregatorEC}
}

func (m *sjfModel) AddMachine(rtnd *types.ResourceTopologyNode) {
	m.machines[types.MustResourceIDFromString(rtnd.Desc.UUID)] = struct{}{}
}

func (m *sjfModel) RemoveMachine(id types.ResourceID) {
	delete(m.machines, id)
}

func (m *sjfModel) AddTask(id types.TaskID) {
	m.stats.TaskSubmitted(id)
}

func (m *sjfModel) RemoveTask(id types.TaskID) {
	m.stats.TaskRemoved(id)
}

func (m *sjfModel) DebugInfoCSV() string { return "" }
