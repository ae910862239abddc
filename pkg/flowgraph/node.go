package flowgraph

import (
	"fmt"

	"github.com/quarrylabs/quarry/pkg/types"
)

// NodeID identifies a node in the flow graph. Ids are never reused for a
// different live node.
type NodeID uint64

// NodeType is the role a node plays in the scheduling flow network.
type NodeType int

const (
	NodeTypeRootTask NodeType = iota + 1
	NodeTypeScheduledTask
	NodeTypeUnscheduledTask
	NodeTypeJobAggregator
	NodeTypeSink
	NodeTypeEquivClass
	NodeTypeCoordinator
	NodeTypeRack
	NodeTypeMachine
	NodeTypeSocket
	NodeTypeCore
	NodeTypePU
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeRootTask:
		return "root_task"
	case NodeTypeScheduledTask:
		return "scheduled_task"
	case NodeTypeUnscheduledTask:
		return "unscheduled_task"
	case NodeTypeJobAggregator:
		return "job_aggregator"
	case NodeTypeSink:
		return "sink"
	case NodeTypeEquivClass:
		return "equiv_class"
	case NodeTypeCoordinator:
		return "coordinator"
	case NodeTypeRack:
		return "rack"
	case NodeTypeMachine:
		return "machine"
	case NodeTypeSocket:
		return "socket"
	case NodeTypeCore:
		return "core"
	case NodeTypePU:
		return "pu"
	}
	return "unknown"
}

// Node is a node in the scheduling flow graph.
type Node struct {
	ID NodeID
	// Excess is the supply of flow at this node: positive for task nodes,
	// negative at the sink, zero for transshipment nodes.
	Excess int64
	Type   NodeType
	// Comment labels special nodes in DIMACS output for debugging.
	Comment string

	// Task is set for task nodes.
	Task  *types.TaskDescriptor
	JobID types.JobID

	// ResourceID/ResourceDesc are set for resource nodes.
	ResourceID   types.ResourceID
	ResourceDesc *types.ResourceDescriptor

	// EquivClass is set for equivalence class aggregator nodes.
	EquivClass *types.EquivClass

	// Visited marks the node during topology statistics traversals.
	Visited uint32

	// Outgoing arcs keyed by destination node, plus insertion order for
	// stable iteration.
	outgoing      map[NodeID]*Arc
	outgoingOrder []*Arc
	// Incoming arcs keyed by source node.
	incoming map[NodeID]*Arc
}

// AddArc registers arc as outgoing from n and incoming at its destination.
func (n *Node) AddArc(arc *Arc) {
	if arc.Src != n.ID {
		panic(fmt.Sprintf("flowgraph: arc src %d does not match node %d", arc.Src, n.ID))
	}
	if _, ok := n.outgoing[arc.Dst]; ok {
		panic(fmt.Sprintf("flowgraph: duplicate arc %d -> %d", arc.Src, arc.Dst))
	}
	if _, ok := arc.DstNode.incoming[arc.Src]; ok {
		panic(fmt.Sprintf("flowgraph: duplicate incoming arc %d -> %d", arc.Src, arc.Dst))
	}
	n.outgoing[arc.Dst] = arc
	n.outgoingOrder = append(n.outgoingOrder, arc)
	arc.DstNode.incoming[arc.Src] = arc
}

// OutgoingArcs returns the node's outgoing arcs in insertion order. The
// returned slice is owned by the node; callers must not mutate it.
func (n *Node) OutgoingArcs() []*Arc {
	return n.outgoingOrder
}

// IncomingArcs returns the node's incoming arcs keyed by source node id.
func (n *Node) IncomingArcs() map[NodeID]*Arc {
	return n.incoming
}

func (n *Node) IsTaskNode() bool {
	return n.Type == NodeTypeRootTask ||
		n.Type == NodeTypeScheduledTask ||
		n.Type == NodeTypeUnscheduledTask
}

func (n *Node) IsEquivClassNode() bool {
	return n.Type == NodeTypeEquivClass
}

func (n *Node) IsResourceNode() bool {
	return n.Type == NodeTypeCoordinator ||
		n.Type == NodeTypeRack ||
		n.Type == NodeTypeMachine ||
		n.Type == NodeTypeSocket ||
		n.Type == NodeTypeCore ||
		n.Type == NodeTypePU
}

// IsTaskAssignedOrRunning reports whether the task backing this node is
// placed on a resource.
func (n *Node) IsTaskAssignedOrRunning() bool {
	if n.Task == nil {
		panic(fmt.Sprintf("flowgraph: task descriptor for node %d is nil", n.ID))
	}
	return n.Task.State == types.TaskStateAssigned || n.Task.State == types.TaskStateRunning
}

// ResourceNodeType maps a resource descriptor's type onto the flow node type.
func ResourceNodeType(rd *types.ResourceDescriptor) NodeType {
	switch rd.Type {
	case types.ResourceCluster:
		return NodeTypeCoordinator
	case types.ResourceRack:
		return NodeTypeRack
	case types.ResourceMachine:
		return NodeTypeMachine
	case types.ResourceSocket:
		return NodeTypeSocket
	case types.ResourceCore:
		return NodeTypeCore
	case types.ResourcePU:
		return NodeTypePU
	}
	panic(fmt.Sprintf("flowgraph: unknown resource type %v", rd.Type))
}
