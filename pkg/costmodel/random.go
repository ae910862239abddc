package costmodel

import (
	"math/rand"

	"github.com/quarrylabs/quarry/pkg/types"
)

// randomModel assigns seeded pseudo-random costs. Useful as a spreading
// baseline when comparing placement quality of the real models.
type randomModel struct {
	slotStats
	resourceMap *types.ResourceMap
	machines    map[types.ResourceID]struct{}
	rnd         *rand.Rand
}

var _ CostModel = (*randomModel)(nil)

const randomCostRange = 1000

func newRandom(p Params) *randomModel {
	return &randomModel{
		slotStats:   slotStats{maxTasksPerPU: p.MaxTasksPerPU},
		resourceMap: p.ResourceMap,
		machines:    make(map[types.ResourceID]struct{}),
		rnd:         rand.New(rand.NewSource(p.RandomSeed)),
	}
}

func (m *randomModel) TaskToUnscheduledAgg(types.TaskID) ArcDescriptor {
	// Keep the unscheduled penalty above the random placement range so a
	// feasible placement is always preferred.
	return ArcDescriptor{Cost: 2 * randomCostRange, Capacity: 1}
}

func (m *randomModel) UnscheduledAggToSink(types.JobID) ArcDescriptor {
	return ArcDescriptor{Cost: 0}
}

func (m *randomModel) TaskToResourceNode(types.TaskID, types.ResourceID) ArcDescriptor {
	return ArcDescriptor{Cost: Cost(m.rnd.Int63n(randomCostRange)), Capacity: 1}
}

func (m *randomModel) ResourceNodeToResourceNode(_, dst *types.ResourceDescriptor) ArcDescriptor {
	return ArcDescriptor{Cost: Cost(m.rnd.Int63n(randomCostRange)), Capacity: freeSlots(dst)}
}

func (m *randomModel) LeafResourceNodeToSink(types.ResourceID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: m.maxTasksPerPU}
}

func (m *randomModel) TaskContinuation(types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: 1}
}

func (m *randomModel) TaskPreemption(types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: omegaPreemptionCost, Capacity: 1}
}

func (m *randomModel) TaskToEquivClassAggregator(types.TaskID, types.EquivClass) ArcDescriptor {
	return ArcDescriptor{Cost: Cost(m.rnd.Int63n(randomCostRange)), Capacity: 1}
}

func (m *randomModel) EquivClassToResourceNode(_ types.EquivClass, id types.ResourceID) ArcDescriptor {
	rd := m.resourceMap.FindPtrOrNil(id)
	if rd == nil {
		return ArcDescriptor{Cost: 0, Capacity: 1}
	}
	return ArcDescriptor{Cost: 0, Capacity: freeSlots(rd)}
}

func (m *randomModel) EquivClassToEquivClass(_, _ types.EquivClass) ArcDescriptor {
	return ArcDescriptor{}
}

func (m *randomModel) GetTaskEquivClasses(types.TaskID) []types.EquivClass {
	return []types.EquivClass{ClusterAggregatorEC}
}

func (m *randomModel) GetResourceEquivClasses(types.ResourceID) []types.EquivClass {
	return nil
}

func (m *randomModel) GetOutgoingEquivClassPrefArcs(ec types.EquivClass) []types.ResourceID {
	if ec != ClusterAggregatorEC {
		return nil
	}
	res := make([]types.ResourceID, 0, len(m.machines))
	for id := range m.machines {
		res = append(res, id)
	}
	return res
}

func (m *randomModel) GetTaskPreferenceArcs(types.TaskID) []types.ResourceID {
	return nil
}

func (m *randomModel) GetEquivClassToEquivClassesArcs(types.EquivClass) []types.EquivClass {
	return nil
}

func (m *randomModel) AddMachine(rtnd *types.ResourceTopologyNode) {
	m.machines[types.MustResourceIDFromString(rtnd.Desc.UUID)] = struct{}{}
}

func (m *randomModel) RemoveMachine(id types.ResourceID) {
	delete(m.machines, id)
}

func (m *randomModel) AddTask(types.TaskID) {}

func (m *randomModel) RemoveTask(types.TaskID) {}

func (m *randomModel) DebugInfoCSV() string { return "" }
