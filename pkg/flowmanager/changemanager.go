package flowmanager

import (
	"github.com/quarrylabs/quarry/pkg/dimacs"
	"github.com/quarrylabs/quarry/pkg/flowgraph"
)

// ChangeManager is the only mutation path into the flow graph. It applies
// each change and records it in the solver's incremental dialect, so the
// dispatcher can stream graph deltas instead of re-exporting everything
// between scheduling rounds.
type ChangeManager interface {
	AddArc(src, dst *flowgraph.Node,
		capLowerBound, capUpperBound uint64,
		cost int64,
		arcType flowgraph.ArcType,
		changeType dimacs.ChangeType,
		comment string) *flowgraph.Arc

	AddNode(nodeType flowgraph.NodeType,
		excess int64,
		changeType dimacs.ChangeType,
		comment string) *flowgraph.Node

	ChangeArc(arc *flowgraph.Arc, capLowerBound, capUpperBound uint64,
		cost int64, changeType dimacs.ChangeType, comment string)

	ChangeArcCapacity(arc *flowgraph.Arc, capacity uint64,
		changeType dimacs.ChangeType, comment string)

	ChangeArcCost(arc *flowgraph.Arc, cost int64,
		changeType dimacs.ChangeType, comment string)

	DeleteArc(arc *flowgraph.Arc, changeType dimacs.ChangeType, comment string)

	DeleteNode(node *flowgraph.Node, changeType dimacs.ChangeType, comment string)

	// GetGraphChanges returns the changes accumulated since the last reset.
	GetGraphChanges() []dimacs.Change

	// ResetChanges drops the accumulated changes; called after the
	// dispatcher has streamed them to the solver.
	ResetChanges()

	Graph() *flowgraph.Graph

	CheckNodeType(flowgraph.NodeID, flowgraph.NodeType) bool
}

type changeManager struct {
	graph        *flowgraph.Graph
	graphChanges []dimacs.Change
	stats        *dimacs.ChangeStats
}

// NewChangeManager wraps a fresh graph.
func NewChangeManager(stats *dimacs.ChangeStats) ChangeManager {
	return &changeManager{
		graph: flowgraph.New(),
		stats: stats,
	}
}

func (cm *changeManager) AddArc(src, dst *flowgraph.Node,
	capLowerBound, capUpperBound uint64, cost int64,
	arcType flowgraph.ArcType, changeType dimacs.ChangeType,
	comment string) *flowgraph.Arc {

	arc := cm.graph.AddArc(src, dst)
	arc.CapLowerBound = capLowerBound
	arc.CapUpperBound = capUpperBound
	arc.Cost = cost
	arc.Type = arcType

	change := dimacs.NewCreateArcChange(arc)
	change.SetComment(comment)
	cm.addGraphChange(change)
	cm.stats.UpdateStats(changeType)
	return arc
}

func (cm *changeManager) AddNode(t flowgraph.NodeType, excess int64,
	changeType dimacs.ChangeType, comment string) *flowgraph.Node {

	n := cm.graph.AddNode()
	n.Type = t
	n.Excess = excess
	n.Comment = comment

	change := dimacs.NewAddNodeChange(n)
	change.SetComment(comment)
	cm.addGraphChange(change)
	cm.stats.UpdateStats(changeType)
	return n
}

func (cm *changeManager) ChangeArc(arc *flowgraph.Arc, capLowerBound, capUpperBound uint64,
	cost int64, changeType dimacs.ChangeType, comment string) {

	oldCost := arc.Cost
	if arc.CapLowerBound == capLowerBound && arc.CapUpperBound == capUpperBound && oldCost == cost {
		return
	}
	arc.CapLowerBound = capLowerBound
	arc.CapUpperBound = capUpperBound
	arc.Cost = cost

	change := dimacs.NewUpdateArcChange(arc, oldCost)
	change.SetComment(comment)
	cm.addGraphChange(change)
	cm.stats.UpdateStats(changeType)
}

func (cm *changeManager) ChangeArcCapacity(arc *flowgraph.Arc, capacity uint64,
	changeType dimacs.ChangeType, comment string) {

	if arc.CapUpperBound == capacity {
		return
	}
	arc.CapUpperBound = capacity

	change := dimacs.NewUpdateArcChange(arc, arc.Cost)
	change.SetComment(comment)
	cm.addGraphChange(change)
	cm.stats.UpdateStats(changeType)
}

func (cm *changeManager) ChangeArcCost(arc *flowgraph.Arc, cost int64,
	changeType dimacs.ChangeType, comment string) {

	oldCost := arc.Cost
	if oldCost == cost {
		return
	}
	arc.Cost = cost

	change := dimacs.NewUpdateArcChange(arc, oldCost)
	change.SetComment(comment)
	cm.addGraphChange(change)
	cm.stats.UpdateStats(changeType)
}

func (cm *changeManager) DeleteArc(arc *flowgraph.Arc, changeType dimacs.ChangeType, comment string) {
	// A zero-capacity update tells the solver to drop the arc.
	arc.CapLowerBound = 0
	arc.CapUpperBound = 0
	change := dimacs.NewUpdateArcChange(arc, arc.Cost)
	change.SetComment(comment)
	cm.addGraphChange(change)
	cm.stats.UpdateStats(changeType)
	cm.graph.DeleteArc(arc)
}

func (cm *changeManager) DeleteNode(n *flowgraph.Node, changeType dimacs.ChangeType, comment string) {
	change := &dimacs.RemoveNodeChange{ID: n.ID}
	change.SetComment(comment)
	cm.addGraphChange(change)
	cm.stats.UpdateStats(changeType)
	cm.graph.DeleteNode(n)
}

func (cm *changeManager) GetGraphChanges() []dimacs.Change {
	return cm.graphChanges
}

func (cm *changeManager) ResetChanges() {
	cm.graphChanges = cm.graphChanges[:0]
}

func (cm *changeManager) Graph() *flowgraph.Graph {
	return cm.graph
}

func (cm *changeManager) CheckNodeType(id flowgraph.NodeID, typ flowgraph.NodeType) bool {
	return cm.graph.Node(id).Type == typ
}

func (cm *changeManager) addGraphChange(change dimacs.Change) {
	cm.graphChanges = append(cm.graphChanges, change)
}
