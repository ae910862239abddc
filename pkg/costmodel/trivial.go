package costmodel

import (
	"github.com/quarrylabs/quarry/pkg/types"
)

// trivialModel is the simplest complete cost model: constant costs, a single
// cluster aggregator EC fanning out to every machine. It exists to exercise
// the scheduler machinery and as the default for tests.
type trivialModel struct {
	slotStats
	resourceMap *types.ResourceMap
	taskMap     *types.TaskMap
	machines    map[types.ResourceID]*types.ResourceTopologyNode
}

var _ CostModel = (*trivialModel)(nil)

func newTrivial(p Params) *trivialModel {
	return &trivialModel{
		slotStats:   slotStats{maxTasksPerPU: p.MaxTasksPerPU},
		resourceMap: p.ResourceMap,
		taskMap:     p.TaskMap,
		machines:    make(map[types.ResourceID]*types.ResourceTopologyNode),
	}
}

func (m *trivialModel) TaskToUnscheduledAgg(types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: 5, Capacity: 1}
}

func (m *trivialModel) UnscheduledAggToSink(types.JobID) ArcDescriptor {
	return ArcDescriptor{Cost: 0}
}

func (m *trivialModel) TaskToResourceNode(types.TaskID, types.ResourceID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: 1}
}

func (m *trivialModel) ResourceNodeToResourceNode(_, dst *types.ResourceDescriptor) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: freeSlots(dst)}
}

func (m *trivialModel) LeafResourceNodeToSink(types.ResourceID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: m.maxTasksPerPU}
}

func (m *trivialModel) TaskContinuation(types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: 1}
}

func (m *trivialModel) TaskPreemption(types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: 1}
}

func (m *trivialModel) TaskToEquivClassAggregator(_ types.TaskID, ec types.EquivClass) ArcDescriptor {
	if ec == ClusterAggregatorEC {
		return ArcDescriptor{Cost: 2, Capacity: 1}
	}
	return ArcDescriptor{Cost: 0, Capacity: 1}
}

func (m *trivialModel) EquivClassToResourceNode(_ types.EquivClass, id types.ResourceID) ArcDescriptor {
	rd := m.resourceMap.FindPtrOrNil(id)
	if rd == nil {
		return ArcDescriptor{Cost: 0, Capacity: 1}
	}
	return ArcDescriptor{Cost: 0, Capacity: freeSlots(rd)}
}

func (m *trivialModel) EquivClassToEquivClass(_, _ types.EquivClass) ArcDescriptor {
	return ArcDescriptor{}
}

func (m *trivialModel) GetTaskEquivClasses(types.TaskID) []types.EquivClass {
	// Every task has a fallback arc to the cluster aggregator.
	return []types.EquivClass{ClusterAggregatorEC}
}

func (m *trivialModel) GetResourceEquivClasses(types.ResourceID) []types.EquivClass {
	return nil
}

func (m *trivialModel) GetOutgoingEquivClassPrefArcs(ec types.EquivClass) []types.ResourceID {
	if ec != ClusterAggregatorEC {
		return nil
	}
	res := make([]types.ResourceID, 0, len(m.machines))
	for id := range m.machines {
		res = append(res, id)
	}
	return res
}

func (m *trivialModel) GetTaskPreferenceArcs(types.TaskID) []types.ResourceID {
	return nil
}

func (m *trivialModel) GetEquivClassToEquivClassesArcs(types.EquivClass) []types.EquivClass {
	return nil
}

func (m *trivialModel) AddMachine(rtnd *types.ResourceTopologyNode) {
	id := types.MustResourceIDFromString(rtnd.Desc.UUID)
	if _, ok := m.machines[id]; !ok {
		m.machines[id] = rtnd
	}
}

func (m *trivialModel) RemoveMachine(id types.ResourceID) {
	delete(m.machines, id)
}

func (m *trivialModel) AddTask(types.TaskID) {}

func (m *trivialModel) RemoveTask(types.TaskID) {}

func (m *trivialModel) DebugInfoCSV() string { return "" }
