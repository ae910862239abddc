package costmodel

import (
	"github.com/quarrylabs/quarry/pkg/types"
)

// voidModel prices everything at zero. Its only equivalence class is the
// cluster aggregator, which fans out to every machine.
type voidModel struct {
	noStats
	maxTasksPerPU uint64
	machines      map[types.ResourceID]struct{}
}

var _ CostModel = (*voidModel)(nil)

func newVoid(p Params) *voidModel {
	return &voidModel{
		maxTasksPerPU: p.MaxTasksPerPU,
		machines:      make(map[types.ResourceID]struct{}),
	}
}

func (m *voidModel) TaskToUnscheduledAgg(types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: 1}
}

func (m *voidModel) UnscheduledAggToSink(types.JobID) ArcDescriptor {
	return ArcDescriptor{Cost: 0}
}

func (m *voidModel) TaskToResourceNode(types.TaskID, types.ResourceID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: 1}
}

func (m *voidModel) ResourceNodeToResourceNode(_, dst *types.ResourceDescriptor) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: freeSlots(dst)}
}

func (m *voidModel) LeafResourceNodeToSink(types.ResourceID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: m.maxTasksPerPU}
}

func (m *voidModel) TaskContinuation(types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: 1}
}

func (m *voidModel) TaskPreemption(types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: 1}
}

func (m *voidModel) TaskToEquivClassAggregator(types.TaskID, types.EquivClass) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: 1}
}

func (m *voidModel) EquivClassToResourceNode(types.EquivClass, types.ResourceID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: 1}
}

func (m *voidModel) EquivClassToEquivClass(_, _ types.EquivClass) ArcDescriptor {
	return ArcDescriptor{}
}

func (m *voidModel) GetTaskEquivClasses(types.TaskID) []types.EquivClass {
	return []types.EquivClass{ClusterAggregatorEC}
}

func (m *voidModel) GetResourceEquivClasses(types.ResourceID) []types.EquivClass {
	return nil
}

func (m *voidModel) GetOutgoingEquivClassPrefArcs(ec types.EquivClass) []types.ResourceID {
	if ec != ClusterAggregatorEC {
		return nil
	}
	res := make([]types.ResourceID, 0, len(m.machines))
	for id := range m.machines {
		res = append(res, id)
	}
	return res
}

func (m *voidModel) GetTaskPreferenceArcs(types.TaskID) []types.ResourceID {
	return nil
}

func (m *voidModel) GetEquivClassToEquivClassesArcs(types.EquivClass) []types.EquivClass {
	return nil
}

func (m *voidModel) AddMachine(rtnd *types.ResourceTopologyNode) {
	m.machines[types.MustResourceIDFromString(rtnd.Desc.UUID)] = struct{}{}
}

func (m *voidModel) RemoveMachine(id types.ResourceID) {
	delete(m.machines, id)
}

func (m *voidModel) AddTask(types.TaskID) {}

func (m *voidModel) RemoveTask(types.TaskID) {}

func (m *voidModel) DebugInfoCSV() string { return "" }
