package dimacs

import (
	"strconv"

	"github.com/quarrylabs/quarry/pkg/flowgraph"
)

// Change is one graph mutation expressed in the solver's incremental DIMACS
// dialect. The change manager records one per graph mutation between solver
// runs.
type Change interface {
	Comment() string
	SetComment(string)
	// GenerateChangeDescription renders the change's comment line, if any.
	GenerateChangeDescription() string
	// GenerateChange renders the DIMACS line for this change.
	GenerateChange() string
}

type commentChange struct{ comment string }

func (cc *commentChange) Comment() string           { return cc.comment }
func (cc *commentChange) SetComment(comment string) { cc.comment = comment }
func (cc *commentChange) GenerateChangeDescription() string {
	if cc.comment == "" {
		return ""
	}
	return "c " + cc.comment + "\n"
}

// NodeKind annotates node lines so the solver can distinguish tasks, PUs and
// the sink when reconstructing assignments. Do not reorder: the values are
// part of the wire protocol.
type NodeKind int

const (
	NodeKindOther NodeKind = iota + 1
	NodeKindTask
	NodeKindPU
	NodeKindSink
	NodeKindMachine
	NodeKindIntermediate
)

// KindForNodeType maps flow graph node types onto wire node kinds.
func KindForNodeType(t flowgraph.NodeType) NodeKind {
	switch t {
	case flowgraph.NodeTypePU:
		return NodeKindPU
	case flowgraph.NodeTypeMachine:
		return NodeKindMachine
	case flowgraph.NodeTypeSink:
		return NodeKindSink
	case flowgraph.NodeTypeRack, flowgraph.NodeTypeSocket, flowgraph.NodeTypeCore:
		return NodeKindIntermediate
	case flowgraph.NodeTypeUnscheduledTask, flowgraph.NodeTypeScheduledTask, flowgraph.NodeTypeRootTask:
		return NodeKindTask
	default:
		return NodeKindOther
	}
}

// AddNodeChange introduces a node.
type AddNodeChange struct {
	commentChange
	ID     flowgraph.NodeID
	Excess int64
	Typ    flowgraph.NodeType
}

func NewAddNodeChange(n *flowgraph.Node) *AddNodeChange {
	return &AddNodeChange{ID: n.ID, Excess: n.Excess, Typ: n.Type}
}

func (an *AddNodeChange) GenerateChange() string {
	return "n " + strconv.FormatUint(uint64(an.ID), 10) +
		" " + strconv.FormatInt(an.Excess, 10) +
		" " + strconv.Itoa(int(KindForNodeType(an.Typ))) + "\n"
}

// RemoveNodeChange retires a node.
type RemoveNodeChange struct {
	commentChange
	ID flowgraph.NodeID
}

func (rn *RemoveNodeChange) GenerateChange() string {
	return "r " + strconv.FormatUint(uint64(rn.ID), 10) + "\n"
}

// CreateArcChange introduces an arc.
type CreateArcChange struct {
	commentChange
	Src, Dst                     flowgraph.NodeID
	CapLowerBound, CapUpperBound uint64
	Cost                         int64
	Typ                          flowgraph.ArcType
}

func NewCreateArcChange(arc *flowgraph.Arc) *CreateArcChange {
	return &CreateArcChange{
		Src:           arc.Src,
		Dst:           arc.Dst,
		CapLowerBound: arc.CapLowerBound,
		CapUpperBound: arc.CapUpperBound,
		Cost:          arc.Cost,
		Typ:           arc.Type,
	}
}

func (ca *CreateArcChange) GenerateChange() string {
	return "a " + strconv.FormatUint(uint64(ca.Src), 10) +
		" " + strconv.FormatUint(uint64(ca.Dst), 10) +
		" " + strconv.FormatUint(ca.CapLowerBound, 10) +
		" " + strconv.FormatUint(ca.CapUpperBound, 10) +
		" " + strconv.FormatInt(ca.Cost, 10) +
		" " + strconv.Itoa(int(ca.Typ)) + "\n"
}

// UpdateArcChange modifies an existing arc's bounds or cost. An update to
// capacity zero removes the arc on the solver side.
type UpdateArcChange struct {
	commentChange
	Src, Dst                     flowgraph.NodeID
	CapLowerBound, CapUpperBound uint64
	Cost, OldCost                int64
	Typ                          flowgraph.ArcType
}

func NewUpdateArcChange(arc *flowgraph.Arc, oldCost int64) *UpdateArcChange {
	return &UpdateArcChange{
		Src:           arc.Src,
		Dst:           arc.Dst,
		CapLowerBound: arc.CapLowerBound,
		CapUpperBound: arc.CapUpperBound,
		Cost:          arc.Cost,
		OldCost:       oldCost,
		Typ:           arc.Type,
	}
}

func (ua *UpdateArcChange) GenerateChange() string {
	return "x " + strconv.FormatUint(uint64(ua.Src), 10) +
		" " + strconv.FormatUint(uint64(ua.Dst), 10) +
		" " + strconv.FormatUint(ua.CapLowerBound, 10) +
		" " + strconv.FormatUint(ua.CapUpperBound, 10) +
		" " + strconv.FormatInt(ua.Cost, 10) +
		" " + strconv.Itoa(int(ua.Typ)) +
		" " + strconv.FormatInt(ua.OldCost, 10) + "\n"
}
