package costmodel

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/quarrylabs/quarry/pkg/types"
)

// whareModel implements a Whare-Map style cost model: it learns how well a
// task equivalence class performs on a machine equivalence class from
// observed runtimes, and prices EC-to-machine arcs from those samples so
// co-location-sensitive tasks land where they historically ran well.
type whareModel struct {
	slotStats
	resourceMap *types.ResourceMap
	taskMap     *types.TaskMap
	stats       *RuntimeStats
	machines    map[types.ResourceID]struct{}

	mu sync.RWMutex
	// pairSamples holds average runtimes per (task EC, machine EC) pairing.
	pairSamples map[whareKey]*whareSample
	// machineEC caches each machine's equivalence class, derived from its
	// friendly name prefix (machines of the same shape share costs).
	machineEC map[types.ResourceID]types.EquivClass
}

type whareKey struct {
	taskEC    types.EquivClass
	machineEC types.EquivClass
}

type whareSample struct {
	total uint64
	count uint64
}

var _ CostModel = (*whareModel)(nil)

func newWhare(p Params) *whareModel {
	return &whareModel{
		slotStats:   slotStats{maxTasksPerPU: p.MaxTasksPerPU},
		resourceMap: p.ResourceMap,
		taskMap:     p.TaskMap,
		stats:       p.Stats,
		machines:    make(map[types.ResourceID]struct{}),
		pairSamples: make(map[whareKey]*whareSample),
		machineEC:   make(map[types.ResourceID]types.EquivClass),
	}
}

func (m *whareModel) taskEC(id types.TaskID) types.EquivClass {
	td := m.taskMap.FindPtrOrNil(id)
	if td == nil {
		return ClusterAggregatorEC
	}
	return HashToEquivClass([]byte(td.Name))
}

// machineShapeEC groups machines by the alphabetic prefix of their friendly
// name, a stand-in for hardware platform classes.
func machineShapeEC(rd *types.ResourceDescriptor) types.EquivClass {
	name := rd.FriendlyName
	if i := strings.IndexAny(name, "0123456789"); i > 0 {
		name = name[:i]
	}
	if name == "" {
		name = rd.UUID
	}
	return HashToEquivClass([]byte(name))
}

// RecordPairRuntime folds one observed runtime into the (task EC,
// machine EC) average. The scheduling driver does not call it; it records
// completed runtimes only into RuntimeStats.
func (m *whareModel) RecordPairRuntime(taskEC, machineEC types.EquivClass, runtime uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := whareKey{taskEC, machineEC}
	s := m.pairSamples[key]
	if s == nil {
		s = &whareSample{}
		m.pairSamples[key] = s
	}
	s.total += runtime
	s.count++
}

func (m *whareModel) pairCost(taskEC, machineEC types.EquivClass) Cost {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.pairSamples[whareKey{taskEC, machineEC}]
	if s == nil || s.count == 0 {
		// Unknown pairing: conservative mid-range default.
		return MaxCost / 2 / sjfRuntimeScale
	}
	return Cost(s.total / s.count / sjfRuntimeScale)
}

func (m *whareModel) TaskToUnscheduledAgg(id types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: waitTimeCost(m.stats, id, MaxCost/2/sjfRuntimeScale+1), Capacity: 1}
}

func (m *whareModel) UnscheduledAggToSink(types.JobID) ArcDescriptor {
	return ArcDescriptor{Cost: 0}
}

func (m *whareModel) TaskToResourceNode(id types.TaskID, rid types.ResourceID) ArcDescriptor {
	rd := m.resourceMap.FindPtrOrNil(rid)
	if rd == nil {
		return ArcDescriptor{Cost: 0, Capacity: 1}
	}
	return ArcDescriptor{Cost: m.pairCost(m.taskEC(id), machineShapeEC(rd)), Capacity: 1}
}

func (m *whareModel) ResourceNodeToResourceNode(_, dst *types.ResourceDescriptor) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: freeSlots(dst)}
}

func (m *whareModel) LeafResourceNodeToSink(types.ResourceID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: m.maxTasksPerPU}
}

func (m *whareModel) TaskContinuation(types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: 1}
}

func (m *whareModel) TaskPreemption(types.TaskID) ArcDescriptor {
	return ArcDescriptor{Cost: omegaPreemptionCost, Capacity: 1}
}

func (m *whareModel) TaskToEquivClassAggregator(types.TaskID, types.EquivClass) ArcDescriptor {
	return ArcDescriptor{Cost: 0, Capacity: 1}
}

func (m *whareModel) EquivClassToResourceNode(ec types.EquivClass, id types.ResourceID) ArcDescriptor {
	rd := m.resourceMap.FindPtrOrNil(id)
	if rd == nil {
		return ArcDescriptor{Cost: 0, Capacity: 1}
	}
	return ArcDescriptor{Cost: m.pairCost(ec, machineShapeEC(rd)), Capacity: freeSlots(rd)}
}

func (m *whareModel) EquivClassToEquivClass(_, _ types.EquivClass) ArcDescriptor {
	return ArcDescriptor{}
}

func (m *whareModel) GetTaskEquivClasses(id types.TaskID) []types.EquivClass {
	return []types.EquivClass{m.taskEC(id), ClusterAggregatorEC}
}

func (m *whareModel) GetResourceEquivClasses(id types.ResourceID) []types.EquivClass {
	rd := m.resourceMap.FindPtrOrNil(id)
	if rd == nil {
		return nil
	}
	return []types.EquivClass{machineShapeEC(rd)}
}

func (m *whareModel) GetOutgoingEquivClassPrefArcs(ec types.EquivClass) []types.ResourceID {
	// Both the cluster aggregator and task ECs fan out to all machines; the
	// per-machine cost carries the Whare-Map signal.
	res := make([]types.ResourceID, 0, len(m.machines))
	for id := range m.machines {
		res = append(res, id)
	}
	return res
}

func (m *whareModel) GetTaskPreferenceArcs(types.TaskID) []types.ResourceID {
	return nil
}

func (m *whareModel) GetEquivClassToEquivClassesArcs(types.EquivClass) []types.EquivClass {
	return nil
}

func (m *whareModel) AddMachine(rtnd *types.ResourceTopologyNode) {
	id := types.MustResourceIDFromString(rtnd.Desc.UUID)
	m.machines[id] = struct{}{}
	m.machineEC[id] = machineShapeEC(rtnd.Desc)
}

func (m *whareModel) RemoveMachine(id types.ResourceID) {
	delete(m.machines, id)
	delete(m.machineEC, id)
}

func (m *whareModel) AddTask(id types.TaskID) {
	m.stats.TaskSubmitted(id)
}

func (m *whareModel) RemoveTask(id types.TaskID) {
	m.stats.TaskRemoved(id)
}

func (m *whareModel) DebugInfoCSV() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lines := make([]string, 0, len(m.pairSamples))
	for key, s := range m.pairSamples {
		lines = append(lines, fmt.Sprintf("%d,%d,%d,%d", key.taskEC, key.machineEC, s.total/s.count, s.count))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
