package costmodel

import (
	"github.com/quarrylabs/quarry/pkg/types"
)

// octopusModel balances load: the cost of sending a task towards a machine
// is the number of tasks already running below it, refreshed by the
// statistics passes before each solver run.
type octopusModel struct {
	slotStats
	resourceMap *types.ResourceMap
	machines    map[types.ResourceID]struct{}
}

var _ CostModel = (*octopusModel)(nil)

func newOctopus(p Params) *octopusModel {
	return &octopusModel{
		slotStats:   slotStats{maxTasksPerPU: p.MaxTasksPerPU},
		resourceMap: p.ResourceMap,
		machines:    make(map[types.ResourceID]struct{}),
	}
}

func (m *octopusModel) loadOf(id types.ResourceID) Cost {
	rd := m.resourceMap.FindPtrOrNil(id)
	if rd == nil {
		return 0
	}
	return Cost(rd.NumRunningTasksBelow)
}

func (m *octopusModel) TaskToUnscheduledAgg(types.TaskID) ArcDescriptor {
	// Unscheduled must always be the worst option: pricier than the most
	// loaded machine can ever be.
	return ArcDescriptor{Cost: Cost(m.maxTasksPerPU)*Cost(len(m.machines)+1) + 1, Capacity: 1}
}

func (m *octopusModel) UnscheduledAggToSink(types.JobID) ArcDescriptor {
	return ArcDescriptor{Cost: 0}
}

func (m *octopusModel) TaskToResourceNode(_ types.TaskID, id types.ResourceID) ArcDescriptor {
	return ArcDescriptor{Cost: m.loadOf(id), Capacity: 1}
}

func (m *octopusModel) ResourceNodeToResourceNode(_, dst *types.ResourceDescriptor) ArcDescriptor {
	return ArcDescriptor{Cost: Cost(dst.NumRunningTasksBelow), Capacity: freeSlots(dst)}
}

func (m *octopusModel) LeafResourceNodeToSink(types.ResourceID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: m.maxTasksPerPU}
}

func (m *octopusModel) TaskContinuation(types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: 1}
}

func (m *octopusModel) TaskPreemption(types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: omegaPreemptionCost, Capacity: 1}
}

func (m *octopusModel) TaskToEquivClassAggregator(types.TaskID, types.EquivClass) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: 1}
}

func (m *octopusModel) EquivClassToResourceNode(_ types.EquivClass, id types.ResourceID) ArcDescriptor {
	rd := m.resourceMap.FindPtrOrNil(id)
	if rd == nil {
		return ArcDescriptor{Cost: 0, Capacity: 1}
	}
	return ArcDescriptor{Cost: Cost(rd.NumRunningTasksBelow), Capacity: freeSlots(rd)}
}

func (m *octopusModel) EquivClassToEquivClass(_, _ types.EquivClass) ArcDescriptor {
	return ArcDescriptor{}
}

func (m *octopusModel) GetTaskEquivClasses(types.TaskID) []types.EquivClass {
	return []types.EquivClass{ClusterAggregatorEC}
}

func (m *octopusModel) GetResourceEquivClasses(types.ResourceID) []types.EquivClass {
	return nil
}

func (m *octopusModel) GetOutgoingEquivClassPrefArcs(ec types.EquivClass) []types.ResourceID {
	if ec != ClusterAggregatorEC {
		return nil
	}
	res := make([]types.ResourceID, 0, len(m.machines))
	for id := range m.machines {
		res = append(res, id)
	}
	return res
}

func (m *octopusModel) GetTaskPreferenceArcs(types.TaskID) []types.ResourceID {
	return nil
}

func (m *octopusModel) GetEquivClassToEquivClassesArcs(types.EquivClass) []types.EquivClass {
	return nil
}

func (m *octopusModel) AddMachine(rtnd *types.ResourceTopologyNode) {
	m.machines[types.MustResourceIDFromString(rtnd.Desc.UUID)] = struct{}{}
}

func (m *octopusModel) RemoveMachine(id types.ResourceID) {
	delete(m.machines, id)
}

func (m *octopusModel) AddTask(types.TaskID) {}

func (m *octopusModel) RemoveTask(types.TaskID) {}

func (m *octopusModel) DebugInfoCSV() string { return "" }
