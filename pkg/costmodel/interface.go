package costmodel

import (
	"github.com/cespare/xxhash/v2"

	"github.com/quarrylabs/quarry/pkg/flowgraph"
	"github.com/quarrylabs/quarry/pkg/types"
)

// Cost is a signed arc cost. Costs are bounded by the configured maximum so
// additive combinations cannot overflow the solver's 64-bit arithmetic.
type Cost int64

// ModelType selects a cost model implementation. The numeric values are the
// flag surface; do not reorder.
type ModelType int

const (
	ModelTrivial ModelType = iota
	ModelRandom
	ModelSJF
	ModelQuincy
	ModelWhare
	ModelCoco
	ModelOctopus
	ModelVoid
	ModelSimulatedQuincy
)

func (t ModelType) String() string {
	switch t {
	case ModelTrivial:
		return "trivial"
	case ModelRandom:
		return "random"
	case ModelSJF:
		return "sjf"
	case ModelQuincy:
		return "quincy"
	case ModelWhare:
		return "whare"
	case ModelCoco:
		return "coco"
	case ModelOctopus:
		return "octopus"
	case ModelVoid:
		return "void"
	case ModelSimulatedQuincy:
		return "simulated_quincy"
	}
	return "unknown"
}

// ArcDescriptor bundles the cost, capacity and minimum flow of an arc so a
// model decides all three together.
type ArcDescriptor struct {
	Cost     Cost
	Capacity uint64
	MinFlow  uint64
}

// ClusterAggregatorEC is the distinguished equivalence class representing
// "anywhere in the cluster". Cost models that want a fallback arc return it
// from GetTaskEquivClasses.
var ClusterAggregatorEC = HashToEquivClass([]byte("CLUSTER_AGG"))

// HashToEquivClass derives an equivalence class tag from opaque bytes.
func HashToEquivClass(b []byte) types.EquivClass {
	return types.EquivClass(xxhash.Sum64(b))
}

// CostModel maps (task, target) pairs to arc costs and maintains whatever
// equivalence classes it needs. The contract is total: a model never fails a
// query, it fabricates a conservative default instead.
//
// The model holds a non-owning view of the flow graph via the stats hooks;
// all graph writes go through the flow manager.
type CostModel interface {
	// TaskToUnscheduledAgg prices leaving the task unscheduled this round.
	// The cost is monotonically non-decreasing over the task's wait time.
	TaskToUnscheduledAgg(types.TaskID) ArcDescriptor
	// UnscheduledAggToSink prices draining a job's unscheduled aggregate.
	UnscheduledAggToSink(types.JobID) ArcDescriptor
	// TaskToResourceNode prices a preference arc from a task to a resource.
	TaskToResourceNode(types.TaskID, types.ResourceID) ArcDescriptor
	// ResourceNodeToResourceNode prices an arc along the resource topology.
	ResourceNodeToResourceNode(src, dst *types.ResourceDescriptor) ArcDescriptor
	// LeafResourceNodeToSink prices the arc from a PU to the sink.
	LeafResourceNodeToSink(types.ResourceID) ArcDescriptor
	// TaskContinuation prices keeping a running task where it is.
	TaskContinuation(types.TaskID) ArcDescriptor
	// TaskPreemption prices kicking a running task back to unscheduled.
	TaskPreemption(types.TaskID) ArcDescriptor
	// TaskToEquivClassAggregator prices a task's arc to an equivalence class.
	TaskToEquivClassAggregator(types.TaskID, types.EquivClass) ArcDescriptor
	// EquivClassToResourceNode prices an EC's arc to a resource.
	EquivClassToResourceNode(types.EquivClass, types.ResourceID) ArcDescriptor
	// EquivClassToEquivClass prices an arc between two ECs.
	EquivClassToEquivClass(ec1, ec2 types.EquivClass) ArcDescriptor

	// GetTaskEquivClasses returns the ECs a task has arcs to.
	GetTaskEquivClasses(types.TaskID) []types.EquivClass
	// GetResourceEquivClasses returns the ECs of a resource; may be empty.
	GetResourceEquivClasses(types.ResourceID) []types.EquivClass
	// GetOutgoingEquivClassPrefArcs returns the resources an EC points at.
	GetOutgoingEquivClassPrefArcs(types.EquivClass) []types.ResourceID
	// GetTaskPreferenceArcs returns the resources a task prefers.
	GetTaskPreferenceArcs(types.TaskID) []types.ResourceID
	// GetEquivClassToEquivClassesArcs returns the ECs an EC points at.
	GetEquivClassToEquivClassesArcs(types.EquivClass) []types.EquivClass

	// Lifecycle hooks invoked by the flow manager.
	AddMachine(*types.ResourceTopologyNode)
	RemoveMachine(types.ResourceID)
	AddTask(types.TaskID)
	RemoveTask(types.TaskID)

	// Topology statistics passes, driven by the flow manager's reverse BFS
	// from the sink. PrepareStats initializes a node's accumulators,
	// GatherStats folds a node into its parent leaf-to-root, UpdateStats
	// performs the final propagation.
	PrepareStats(accumulator *flowgraph.Node)
	GatherStats(accumulator, other *flowgraph.Node) *flowgraph.Node
	UpdateStats(accumulator, other *flowgraph.Node) *flowgraph.Node

	// DebugInfoCSV renders per-iteration cost model state for debugging.
	DebugInfoCSV() string
}
