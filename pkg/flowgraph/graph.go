package flowgraph

import "fmt"

// Graph holds the nodes and arcs of the scheduling flow network. It is a
// plain data structure: all invariant-preserving mutation goes through the
// flow manager's change manager.
type Graph struct {
	nextID NodeID
	// Unordered set of arcs in the graph.
	arcSet map[*Arc]struct{}
	// Nodes keyed by id.
	nodeMap map[NodeID]*Node
	// Ids of previously removed nodes, reusable in FIFO order.
	unusedIDs []NodeID
}

// New returns an empty graph. Node ids start at 1.
func New() *Graph {
	return &Graph{
		nextID:  1,
		arcSet:  make(map[*Arc]struct{}),
		nodeMap: make(map[NodeID]*Node),
	}
}

// AddNode allocates a node with the next free id.
func (g *Graph) AddNode() *Node {
	id := g.allocID()
	node := &Node{
		ID:       id,
		outgoing: make(map[NodeID]*Arc),
		incoming: make(map[NodeID]*Arc),
	}
	if _, ok := g.nodeMap[id]; ok {
		panic(fmt.Sprintf("flowgraph: node id %d already present", id))
	}
	g.nodeMap[id] = node
	return node
}

// AddArc creates an arc between two existing nodes. Adding a second arc
// between the same ordered pair panics; callers merge via GetArc instead.
func (g *Graph) AddArc(src, dst *Node) *Arc {
	if g.nodeMap[src.ID] == nil {
		panic(fmt.Sprintf("flowgraph: AddArc src node %d not in graph", src.ID))
	}
	if g.nodeMap[dst.ID] == nil {
		panic(fmt.Sprintf("flowgraph: AddArc dst node %d not in graph", dst.ID))
	}
	arc := NewArc(src, dst)
	g.arcSet[arc] = struct{}{}
	src.AddArc(arc)
	return arc
}

// DeleteArc unlinks the arc from both endpoints.
func (g *Graph) DeleteArc(arc *Arc) {
	src := arc.SrcNode
	delete(src.outgoing, arc.Dst)
	for i, a := range src.outgoingOrder {
		if a == arc {
			src.outgoingOrder = append(src.outgoingOrder[:i], src.outgoingOrder[i+1:]...)
			break
		}
	}
	delete(arc.DstNode.incoming, arc.Src)
	delete(g.arcSet, arc)
}

// DeleteNode removes the node and all incident arcs. Its id becomes
// available for reuse.
func (g *Graph) DeleteNode(node *Node) {
	g.unusedIDs = append(g.unusedIDs, node.ID)
	for _, arc := range append([]*Arc(nil), node.outgoingOrder...) {
		g.DeleteArc(arc)
	}
	for _, arc := range node.incoming {
		g.DeleteArc(arc)
	}
	delete(g.nodeMap, node.ID)
}

// GetArc returns the arc src -> dst, or nil.
func (g *Graph) GetArc(src, dst *Node) *Arc {
	return src.outgoing[dst.ID]
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id NodeID) *Node {
	return g.nodeMap[id]
}

func (g *Graph) NumNodes() int { return len(g.nodeMap) }
func (g *Graph) NumArcs() int  { return len(g.arcSet) }

// Nodes returns all live nodes keyed by id.
func (g *Graph) Nodes() map[NodeID]*Node {
	return g.nodeMap
}

// Arcs returns the set of all live arcs.
func (g *Graph) Arcs() map[*Arc]struct{} {
	return g.arcSet
}

func (g *Graph) allocID() NodeID {
	if len(g.unusedIDs) > 0 {
		id := g.unusedIDs[0]
		g.unusedIDs = g.unusedIDs[1:]
		return id
	}
	id := g.nextID
	g.nextID++
	return id
}
