package costmodel

import (
	"github.com/quarrylabs/quarry/pkg/types"
)

// quincyModel implements the Quincy paper's cost structure over live
// clusters: unscheduled penalties grow with wait time, running tasks are
// sticky via continuation costs, and preemption carries an explicit price.
// Placement preferences need block location data; outside the simulated
// filesystem that data comes from the object store, which is not part of
// this module, so the live model treats machines uniformly and the
// SimulatedQuincy variant supplies the locality term.
type quincyModel struct {
	slotStats
	resourceMap *types.ResourceMap
	taskMap     *types.TaskMap
	stats       *RuntimeStats
	machines    map[types.ResourceID]struct{}
}

var _ CostModel = (*quincyModel)(nil)

// Quincy's wait-time coefficient and the flat data-transfer estimate used
// when no locality information is available.
const (
	quincyWaitFactor   = 2
	quincyClusterCost  = 100
	quincyUnschedBase  = quincyClusterCost + 1
	quincyPreemptPrice = 200
)

func newQuincy(p Params) *quincyModel {
	return &quincyModel{
		slotStats:   slotStats{maxTasksPerPU: p.MaxTasksPerPU},
		resourceMap: p.ResourceMap,
		taskMap:     p.TaskMap,
		stats:       p.Stats,
		machines:    make(map[types.ResourceID]struct{}),
	}
}

func (m *quincyModel) TaskToUnscheduledAgg(id types.TaskID) ArcDescriptor {
	cost := Cost(quincyUnschedBase) + quincyWaitFactor*Cost(m.stats.WaitTime(id)/WaitTimeCostFactor)
	if cost > MaxCost {
		cost = MaxCost
	}
	return ArcDescriptor{Cost: cost, Capacity: 1}
}

func (m *quincyModel) UnscheduledAggToSink(types.JobID) ArcDescriptor {
	return ArcDescriptor{Cost: 0}
}

func (m *quincyModel) TaskToResourceNode(types.TaskID, types.ResourceID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: 1}
}

func (m *quincyModel) ResourceNodeToResourceNode(_, dst *types.ResourceDescriptor) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: freeSlots(dst)}
}

func (m *quincyModel) LeafResourceNodeToSink(types.ResourceID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: m.maxTasksPerPU}
}

func (m *quincyModel) TaskContinuation(id types.TaskID) ArcDescriptor {
	// Keeping a running task in place gets cheaper the longer ago it was
	// submitted, which is what makes placements sticky.
	c := Cost(quincyClusterCost) - Cost(m.stats.WaitTime(id)/WaitTimeCostFactor)
	if c < 0 {
		c = 0
	}
	return ArcDescriptor{Cost: c, Capacity: 1}
}

func (m *quincyModel) TaskPreemption(types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: quincyPreemptPrice, Capacity: 1}
}

func (m *quincyModel) TaskToEquivClassAggregator(types.TaskID, types.EquivClass) ArcDescriptor {
	return ArcDescriptor{Cost: quincyClusterCost, Capacity: 1}
}

func (m *quincyModel) EquivClassToResourceNode(_ types.EquivClass, id types.ResourceID) ArcDescriptor {
	rd := m.resourceMap.FindPtrOrNil(id)
	if rd == nil {
		return ArcDescriptor{Cost: 0, Capacity: 1}
	}
	return ArcDescriptor{Cost: 0, Capacity: freeSlots(rd)}
}

func (m *quincyModel) EquivClassToEquivClass(_, _ types.EquivClass) ArcDescriptor {
	return ArcDescriptor{}
}

func (m *quincyModel) GetTaskEquivClasses(types.TaskID) []types.EquivClass {
	return []types.EquivClass{ClusterAggregatorEC}
}

func (m *quincyModel) GetResourceEquivClasses(types.ResourceID) []types.EquivClass {
	return nil
}

func (m *quincyModel) GetOutgoingEquivClassPrefArcs(ec types.EquivClass) []types.ResourceID {
	if ec != ClusterAggregatorEC {
		return nil
	}
	res := make([]types.ResourceID, 0, len(m.machines))
	for id := range m.machines {
		res = append(res, id)
	}
	return res
}

func (m *quincyModel) GetTaskPreferenceArcs(types.TaskID) []types.ResourceID {
	return nil
}

func (m *quincyModel) GetEquivClassToEquivClassesArcs(types.EquivClass) []types.EquivClass {
	return nil
}

func (m *quincyModel) AddMachine(rtnd *types.ResourceTopologyNode) {
	m.machines[types.MustResourceIDFromString(rtnd.Desc.UUID)] = struct{}{}
}

func (m *quincyModel) RemoveMachine(id types.ResourceID) {
	delete(m.machines, id)
}

func (m *quincyModel) AddTask(id types.TaskID) {
	m.stats.TaskSubmitted(id)
}

func (m *quincyModel) RemoveTask(id types.TaskID) {
	m.stats.TaskRemoved(id)
}

func (m *quincyModel) DebugInfoCSV() string { return "" }
