package costmodel

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/quarrylabs/quarry/pkg/simdfs"
	"github.com/quarrylabs/quarry/pkg/types"
)

// SimulatedQuincyConfig parameterizes the data-locality computation.
type SimulatedQuincyConfig struct {
	// DeltaPreferredMachine is the minimum fraction of a task's input blocks
	// a machine must hold to receive a preference arc. In (0, 1].
	DeltaPreferredMachine float64 `yaml:"delta_preferred_machine"`
	// DeltaPreferredRack is the analogous threshold for racks. In (0, 1].
	DeltaPreferredRack float64 `yaml:"delta_preferred_rack"`
	// CoreTransferCost is the per-block cost of a cross-rack transfer.
	CoreTransferCost int64 `yaml:"core_transfer_cost"`
	// TorTransferCost is the per-block cost of an intra-rack,
	// cross-machine transfer.
	TorTransferCost int64 `yaml:"tor_transfer_cost"`
	// PercentBlockTolerance is the acceptable slack when sampling a task's
	// input block count.
	PercentBlockTolerance uint32 `yaml:"percent_block_tolerance"`
	// MachinesPerRack fixes the simulated cluster layout.
	MachinesPerRack int `yaml:"machines_per_rack"`
	// InputBlocks is the target input size sampled per task.
	InputBlocks uint64 `yaml:"input_blocks"`
}

// DefaultSimulatedQuincyConfig mirrors the simulator defaults.
var DefaultSimulatedQuincyConfig = SimulatedQuincyConfig{
	DeltaPreferredMachine: 0.1,
	DeltaPreferredRack:    0.1,
	CoreTransferCost:      2,
	TorTransferCost:       1,
	PercentBlockTolerance: 5,
	MachinesPerRack:       16,
	InputBlocks:           100,
}

// simulatedQuincyModel prices placement by data locality against a simulated
// distributed filesystem. Each task samples an input file set on admission;
// machines and racks holding enough of those blocks get preference arcs
// whose cost is the remote-block transfer estimate.
type simulatedQuincyModel struct {
	quincyModel
	cfg SimulatedQuincyConfig
	fs  *simdfs.FS

	fileSets          map[types.TaskID][]simdfs.FileID
	preferredMachines map[types.TaskID]map[types.ResourceID]Cost
	preferredRacks    map[types.TaskID]map[types.EquivClass]Cost
	clusterAggCost    map[types.TaskID]Cost
	// ecRack resolves a rack aggregator EC back to its rack index.
	ecRack map[types.EquivClass]int
}

var _ CostModel = (*simulatedQuincyModel)(nil)

func newSimulatedQuincy(p Params) (*simulatedQuincyModel, error) {
	cfg := p.SimulatedQuincy
	if cfg.DeltaPreferredMachine <= 0 || cfg.DeltaPreferredMachine > 1 {
		return nil, fmt.Errorf("costmodel: delta_preferred_machine %v outside (0,1]", cfg.DeltaPreferredMachine)
	}
	if cfg.DeltaPreferredRack <= 0 || cfg.DeltaPreferredRack > 1 {
		return nil, fmt.Errorf("costmodel: delta_preferred_rack %v outside (0,1]", cfg.DeltaPreferredRack)
	}
	if p.FS == nil {
		return nil, fmt.Errorf("costmodel: simulated quincy requires a simulated filesystem")
	}
	return &simulatedQuincyModel{
		quincyModel:       *newQuincy(p),
		cfg:               cfg,
		fs:                p.FS,
		fileSets:          make(map[types.TaskID][]simdfs.FileID),
		preferredMachines: make(map[types.TaskID]map[types.ResourceID]Cost),
		preferredRacks:    make(map[types.TaskID]map[types.EquivClass]Cost),
		clusterAggCost:    make(map[types.TaskID]Cost),
		ecRack:            make(map[types.EquivClass]int),
	}, nil
}

// rackEC derives the aggregator EC for a rack index, registering the reverse
// mapping on first use.
func (m *simulatedQuincyModel) rackEC(rack int) types.EquivClass {
	ec := HashToEquivClass([]byte("rack_" + strconv.Itoa(rack)))
	m.ecRack[ec] = rack
	return ec
}

func (m *simulatedQuincyModel) AddTask(id types.TaskID) {
	m.quincyModel.AddTask(id)
	m.buildTaskFileSet(id)
	m.computeCostsAndPreferredSet(id)
}

func (m *simulatedQuincyModel) RemoveTask(id types.TaskID) {
	m.quincyModel.RemoveTask(id)
	delete(m.fileSets, id)
	delete(m.preferredMachines, id)
	delete(m.preferredRacks, id)
	delete(m.clusterAggCost, id)
}

func (m *simulatedQuincyModel) buildTaskFileSet(id types.TaskID) {
	m.fileSets[id] = m.fs.SampleFiles(simdfs.NumBlocks(m.cfg.InputBlocks), m.cfg.PercentBlockTolerance)
}

func (m *simulatedQuincyModel) computeCostsAndPreferredSet(id types.TaskID) {
	machineFreq := make(map[types.ResourceID]uint64)
	rackFreq := make(map[int]uint64)
	var totalBlocks uint64

	for _, f := range m.fileSets[id] {
		blocks := uint64(m.fs.NumBlocksOf(f))
		totalBlocks += blocks

		racks := make(map[int]struct{})
		for _, machine := range m.fs.MachinesOf(f) {
			machineFreq[machine] += blocks
			if rack, ok := m.fs.RackOf(machine); ok {
				racks[rack] = struct{}{}
			}
		}
		// Dedupe racks first: a file replicated on two machines of one rack
		// contributes its blocks to that rack once.
		for rack := range racks {
			rackFreq[rack] += blocks
		}
	}

	preferredMachines := make(map[types.ResourceID]Cost)
	m.preferredMachines[id] = preferredMachines
	if totalBlocks == 0 {
		m.preferredRacks[id] = make(map[types.EquivClass]Cost)
		m.clusterAggCost[id] = 0
		return
	}

	for machine, localBlocks := range machineFreq {
		if float64(localBlocks)/float64(totalBlocks) < m.cfg.DeltaPreferredMachine {
			continue
		}
		rack, _ := m.fs.RackOf(machine)
		// Totals so far are inclusive; the cost formula wants exclusive
		// counts: blocks local to the machine cost nothing, the rest of the
		// rack pays the ToR price, everything else crosses the core.
		rackBlocks := rackFreq[rack] - localBlocks
		coreBlocks := totalBlocks - rackBlocks - localBlocks
		cost := Cost(coreBlocks)*Cost(m.cfg.CoreTransferCost) +
			Cost(rackBlocks)*Cost(m.cfg.TorTransferCost)
		preferredMachines[machine] = cost
	}

	preferredRacks := make(map[types.EquivClass]Cost)
	m.preferredRacks[id] = preferredRacks
	for rack, rackBlocks := range rackFreq {
		if float64(rackBlocks)/float64(totalBlocks) <= m.cfg.DeltaPreferredRack {
			continue
		}
		coreBlocks := totalBlocks - rackBlocks
		cost := Cost(coreBlocks)*Cost(m.cfg.CoreTransferCost) +
			Cost(rackBlocks)*Cost(m.cfg.TorTransferCost)
		preferredRacks[m.rackEC(rack)] = cost
	}

	m.clusterAggCost[id] = Cost(totalBlocks) * Cost(m.cfg.CoreTransferCost)
}

func (m *simulatedQuincyModel) TaskToResourceNode(id types.TaskID, rid types.ResourceID) ArcDescriptor {
	if costs, ok := m.preferredMachines[id]; ok {
		if c, ok := costs[rid]; ok {
			return ArcDescriptor{Cost: c, Capacity: 1}
		}
	}
	// Not a preferred machine: conservative worst-case transfer.
	return ArcDescriptor{Cost: m.clusterAggCost[id], Capacity: 1}
}

func (m *simulatedQuincyModel) TaskToEquivClassAggregator(id types.TaskID, ec types.EquivClass) ArcDescriptor {
	if ec == ClusterAggregatorEC {
		return ArcDescriptor{Cost: m.clusterAggCost[id], Capacity: 1}
	}
	if costs, ok := m.preferredRacks[id]; ok {
		if c, ok := costs[ec]; ok {
			return ArcDescriptor{Cost: c, Capacity: 1}
		}
	}
	return ArcDescriptor{Cost: m.clusterAggCost[id], Capacity: 1}
}

func (m *simulatedQuincyModel) GetTaskEquivClasses(id types.TaskID) []types.EquivClass {
	ecs := make([]types.EquivClass, 0, len(m.preferredRacks[id])+1)
	for ec := range m.preferredRacks[id] {
		ecs = append(ecs, ec)
	}
	sort.Slice(ecs, func(i, j int) bool { return ecs[i] < ecs[j] })
	return append(ecs, ClusterAggregatorEC)
}

func (m *simulatedQuincyModel) GetTaskPreferenceArcs(id types.TaskID) []types.ResourceID {
	prefs := make([]types.ResourceID, 0, len(m.preferredMachines[id]))
	for machine := range m.preferredMachines[id] {
		prefs = append(prefs, machine)
	}
	sort.Slice(prefs, func(i, j int) bool {
		return prefs[i].String() < prefs[j].String()
	})
	return prefs
}

func (m *simulatedQuincyModel) GetResourceEquivClasses(id types.ResourceID) []types.EquivClass {
	rack, ok := m.fs.RackOf(id)
	if !ok {
		return nil
	}
	return []types.EquivClass{m.rackEC(rack)}
}

func (m *simulatedQuincyModel) GetOutgoingEquivClassPrefArcs(ec types.EquivClass) []types.ResourceID {
	if ec == ClusterAggregatorEC {
		return m.quincyModel.GetOutgoingEquivClassPrefArcs(ec)
	}
	rack, ok := m.ecRack[ec]
	if !ok {
		return nil
	}
	return append([]types.ResourceID(nil), m.fs.MachinesInRack(rack)...)
}

func (m *simulatedQuincyModel) EquivClassToResourceNode(ec types.EquivClass, id types.ResourceID) ArcDescriptor {
	// The locality price is charged on the task's arc into the rack
	// aggregator; fan-out to the rack's machines is free.
	rd := m.resourceMap.FindPtrOrNil(id)
	if rd == nil {
		return ArcDescriptor{Cost: 0, Capacity: 1}
	}
	return ArcDescriptor{Cost: 0, Capacity: freeSlots(rd)}
}

func (m *simulatedQuincyModel) AddMachine(rtnd *types.ResourceTopologyNode) {
	m.quincyModel.AddMachine(rtnd)
	m.fs.AddMachine(types.MustResourceIDFromString(rtnd.Desc.UUID))
}

func (m *simulatedQuincyModel) RemoveMachine(id types.ResourceID) {
	m.quincyModel.RemoveMachine(id)
	m.fs.RemoveMachine(id)
	// Preference arcs to the machine are stale now. Rack preferences are
	// left alone; machine removals are rare and the rack may still hold
	// replicas elsewhere.
	for _, prefs := range m.preferredMachines {
		delete(prefs, id)
	}
}

func (m *simulatedQuincyModel) DebugInfoCSV() string {
	var b strings.Builder
	for id, prefs := range m.preferredMachines {
		for machine, cost := range prefs {
			fmt.Fprintf(&b, "%d,machine,%s,%d\n", id, machine, cost)
		}
	}
	for id, prefs := range m.preferredRacks {
		for ec, cost := range prefs {
			fmt.Fprintf(&b, "%d,rack,%d,%d\n", id, ec, cost)
		}
	}
	return b.String()
}
