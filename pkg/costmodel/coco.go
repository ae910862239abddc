package costmodel

import (
	"github.com/quarrylabs/quarry/pkg/types"
)

// cocoModel is a coordinated co-location model: it prices arcs by how
// crowded the destination subtree already is, superlinearly, so load spreads
// out before any resource saturates. It relies on the slot statistics passes
// to keep subtree load fresh.
type cocoModel struct {
	slotStats
	resourceMap *types.ResourceMap
	taskMap     *types.TaskMap
	stats       *RuntimeStats
	machines    map[types.ResourceID]struct{}
}

var _ CostModel = (*cocoModel)(nil)

// Load is priced on a 0..cocoLoadScale range, squared to penalize hot spots.
const cocoLoadScale = 100

func newCoco(p Params) *cocoModel {
	return &cocoModel{
		slotStats:   slotStats{maxTasksPerPU: p.MaxTasksPerPU},
		resourceMap: p.ResourceMap,
		taskMap:     p.TaskMap,
		stats:       p.Stats,
		machines:    make(map[types.ResourceID]struct{}),
	}
}

func crowdingCost(rd *types.ResourceDescriptor) Cost {
	if rd == nil || rd.NumSlotsBelow == 0 {
		return cocoLoadScale * cocoLoadScale
	}
	load := Cost(rd.NumRunningTasksBelow * cocoLoadScale / rd.NumSlotsBelow)
	return load * load
}

func (m *cocoModel) TaskToUnscheduledAgg(id types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: waitTimeCost(m.stats, id, cocoLoadScale*cocoLoadScale+1), Capacity: 1}
}

func (m *cocoModel) UnscheduledAggToSink(types.JobID) ArcDescriptor {
	return ArcDescriptor{Cost: 0}
}

func (m *cocoModel) TaskToResourceNode(_ types.TaskID, id types.ResourceID) ArcDescriptor {
	return ArcDescriptor{Cost: crowdingCost(m.resourceMap.FindPtrOrNil(id)), Capacity: 1}
}

func (m *cocoModel) ResourceNodeToResourceNode(_, dst *types.ResourceDescriptor) ArcDescriptor {
	return ArcDescriptor{Cost: crowdingCost(dst), Capacity: freeSlots(dst)}
}

func (m *cocoModel) LeafResourceNodeToSink(types.ResourceID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: m.maxTasksPerPU}
}

func (m *cocoModel) TaskContinuation(types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: 1}
}

func (m *cocoModel) TaskPreemption(types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: omegaPreemptionCost, Capacity: 1}
}

func (m *cocoModel) TaskToEquivClassAggregator(types.TaskID, types.EquivClass) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: 1}
}

func (m *cocoModel) EquivClassToResourceNode(_ types.EquivClass, id types.ResourceID) ArcDescriptor {
	rd := m.resourceMap.FindPtrOrNil(id)
	if rd == nil {
		return ArcDescriptor{Cost: 0, Capacity: 1}
	}
	return ArcDescriptor{Cost: crowdingCost(rd), Capacity: freeSlots(rd)}
}

func (m *cocoModel) EquivClassToEquivClass(_, _ types.EquivClass) ArcDescriptor {
	return ArcDescriptor{}
}

func (m *cocoModel) GetTaskEquivClasses(types.TaskID) []types.EquivClass {
	return []types.EquivClass{ClusterAggregatorEC}
}

func (m *cocoModel) GetResourceEquivClasses(types.ResourceID) []types.EquivClass {
	return nil
}

func (m *cocoModel) GetOutgoingEquivClassPrefArcs(ec types.EquivClass) []types.ResourceID {
	if ec != ClusterAggregatorEC {
		return nil
	}
	res := make([]types.ResourceID, 0, len(m.machines))
	for id := range m.machines {
		res = append(res, id)
	}
	return res
}

func (m *cocoModel) GetTaskPreferenceArcs(types.TaskID) []types.ResourceID {
	return nil
}

func (m *cocoModel) GetEquivClassToEquivClassesArcs(types.EquivClass) []types.EquivClass {
	return nil
}

func (m *cocoModel) AddMachine(rtnd *types.ResourceTopologyNode) {
	m.machines[types.MustResourceIDFromString(rtnd.Desc.UUID)] = struct{}{}
}

func (m *cocoModel) RemoveMachine(id types.ResourceID) {
	delete(m.machines, id)
}

func (m *cocoModel) AddTask(id types.TaskID) {
	m.stats.TaskSubmitted(id)
}

func (m *cocoModel) RemoveTask(id types.TaskID) {
	m.stats.TaskRemoved(id)
}

func (m *cocoModel) DebugInfoCSV() string { return "" }
