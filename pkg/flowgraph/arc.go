package flowgraph

// ArcType distinguishes running arcs (a scheduled task to its PU) from all
// other arcs. The solver treats them alike; the graph manager uses the tag
// to protect running arcs from preference pruning.
type ArcType int

const (
	ArcTypeOther ArcType = iota + 1
	ArcTypeRunning
)

// Arc is a directed arc in the scheduling flow graph.
type Arc struct {
	Src     NodeID
	Dst     NodeID
	SrcNode *Node
	DstNode *Node

	CapLowerBound uint64
	CapUpperBound uint64
	Cost          int64
	Type          ArcType
}

// NewArc links src to dst with zero capacity and cost; callers fill in the
// bounds afterwards.
func NewArc(srcNode, dstNode *Node) *Arc {
	return &Arc{
		Src:     srcNode.ID,
		Dst:     dstNode.ID,
		SrcNode: srcNode,
		DstNode: dstNode,
	}
}
