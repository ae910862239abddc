package flowmanager

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/pkg/costmodel"
	"github.com/quarrylabs/quarry/pkg/dimacs"
	"github.com/quarrylabs/quarry/pkg/flowgraph"
	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/types"
)

// NodeSet is a set of flow graph node ids.
type NodeSet map[flowgraph.NodeID]struct{}

// TaskMapping is the solver's verdict: task node ids to the PU node ids
// they should run on.
type TaskMapping map[flowgraph.NodeID]NodeSet

// Insert adds one task -> PU assignment.
func (tm TaskMapping) Insert(task, pu flowgraph.NodeID) {
	ns, ok := tm[task]
	if !ok {
		ns = NodeSet{}
		tm[task] = ns
	}
	ns[pu] = struct{}{}
}

// GraphManager owns the flow graph: it is the only component that mutates
// nodes and arcs, always via the change manager so every mutation reaches
// the solver's incremental stream. The scheduling driver serializes all
// calls under its scheduling lock.
type GraphManager interface {
	// AddOrUpdateJobNodes ensures every runnable task of the given jobs has
	// an unscheduled-task node wired to its job's unscheduled aggregator,
	// its equivalence classes, its preference resources and (through the
	// cluster aggregator EC) the whole cluster. It is idempotent.
	AddOrUpdateJobNodes(jobs []*types.JobDescriptor)

	// UpdateTimeDependentCosts refreshes arc costs that are functions of
	// wall time, e.g. the unscheduled penalty.
	UpdateTimeDependentCosts(jobs []*types.JobDescriptor)

	// AddResourceTopology adds a resource subtree: the whole topology tree on
	// the first call, and later a machine subtree under its existing parent,
	// with the new capacity propagated up to the root.
	AddResourceTopology(rtnd *types.ResourceTopologyNode)

	// UpdateResourceTopology recomputes the slot and running-task counts and
	// arc capacities of a subtree already in the graph and propagates them
	// up to the root. It adds no nodes.
	UpdateResourceTopology(rtnd *types.ResourceTopologyNode)

	// RemoveResourceTopology removes the subtree rooted at rd and all arcs
	// incident on it. It returns the node ids of the removed PUs so the
	// driver can unbind tasks.
	RemoveResourceTopology(rd *types.ResourceDescriptor) []flowgraph.NodeID

	JobCompleted(types.JobID)

	TaskCompleted(types.TaskID) flowgraph.NodeID
	TaskEvicted(types.TaskID, types.ResourceID)
	TaskFailed(types.TaskID)
	TaskKilled(types.TaskID)
	TaskMigrated(id types.TaskID, from, to types.ResourceID)
	TaskScheduled(types.TaskID, types.ResourceID)

	// PurgeUnconnectedEquivClassNodes drops EC nodes that lost their last
	// incoming arc through task churn or resource removal.
	PurgeUnconnectedEquivClassNodes()

	// UpdateAllCostsToUnscheduledAggs refreshes every task's arc to its
	// unscheduled aggregator. Running tasks are covered only where they keep
	// that arc, i.e. with preemption.
	UpdateAllCostsToUnscheduledAggs()

	// ComputeTopologyStatistics reverse-BFSes from the sink, running the
	// cost model's prepare/gather pass and then its update pass. Each pass
	// visits every node exactly once.
	ComputeTopologyStatistics()

	// NodeBindingToSchedulingDelta classifies one solver binding against the
	// driver's current bindings: nil for an unchanged binding, otherwise a
	// Place or Migrate delta.
	NodeBindingToSchedulingDelta(taskNodeID, puNodeID flowgraph.NodeID,
		taskBindings map[types.TaskID]types.ResourceID) *types.SchedulingDelta

	// SchedulingDeltasForPreemptedTasks emits Preempt deltas for every
	// running task the solver left out of the mapping.
	SchedulingDeltasForPreemptedTasks(tm TaskMapping, rmap *types.ResourceMap) []types.SchedulingDelta

	ChangeManager() ChangeManager
	SinkNode() *flowgraph.Node
	LeafNodeIDs() map[flowgraph.NodeID]struct{}
	TaskForNode(flowgraph.NodeID) *types.TaskDescriptor
	ResourceForNode(flowgraph.NodeID) *types.ResourceDescriptor
}

type graphManager struct {
	// Preemption enables running-task displacement; when disabled a
	// scheduled task is pinned to its PU.
	preemption    bool
	maxTasksPerPU uint64

	cm        ChangeManager
	sinkNode  *flowgraph.Node
	costModel costmodel.CostModel
	logger    zerolog.Logger

	resourceToNode   map[types.ResourceID]*flowgraph.Node
	taskToNode       map[types.TaskID]*flowgraph.Node
	taskECToNode     map[types.EquivClass]*flowgraph.Node
	jobUnschedToNode map[types.JobID]*flowgraph.Node
	taskToRunningArc map[types.TaskID]*flowgraph.Arc
	nodeToParentNode map[*flowgraph.Node]*flowgraph.Node
	leafResourceIDs  map[types.ResourceID]struct{}
	leafNodeIDs      map[flowgraph.NodeID]struct{}

	// Marker for topology statistics traversals; incrementing it beats
	// resetting the visited flag on every node.
	curTraversalCounter uint32
}

// taskOrNode pairs a task descriptor with its graph node during job-tree
// walks. Tasks that need no node (not runnable/running) carry a nil Node.
type taskOrNode struct {
	Node     *flowgraph.Node
	TaskDesc *types.TaskDescriptor
}

// Config bundles graph manager construction parameters.
type Config struct {
	CostModel       costmodel.CostModel
	LeafResourceIDs map[types.ResourceID]struct{}
	Stats           *dimacs.ChangeStats
	MaxTasksPerPU   uint64
	Preemption      bool
}

// New builds a graph manager around a fresh graph holding only the sink.
func New(cfg Config) GraphManager {
	cm := NewChangeManager(cfg.Stats)
	sinkNode := cm.AddNode(flowgraph.NodeTypeSink, 0, dimacs.AddSinkNode, "SINK")
	// No cluster aggregator node is created here: cost models express it as
	// a distinguished equivalence class.
	return &graphManager{
		preemption:       cfg.Preemption,
		maxTasksPerPU:    cfg.MaxTasksPerPU,
		cm:               cm,
		sinkNode:         sinkNode,
		costModel:        cfg.CostModel,
		logger:           log.WithComponent("flowmanager"),
		resourceToNode:   make(map[types.ResourceID]*flowgraph.Node),
		taskToNode:       make(map[types.TaskID]*flowgraph.Node),
		taskECToNode:     make(map[types.EquivClass]*flowgraph.Node),
		jobUnschedToNode: make(map[types.JobID]*flowgraph.Node),
		taskToRunningArc: make(map[types.TaskID]*flowgraph.Arc),
		nodeToParentNode: make(map[*flowgraph.Node]*flowgraph.Node),
		leafResourceIDs:  cfg.LeafResourceIDs,
		leafNodeIDs:      make(map[flowgraph.NodeID]struct{}),
	}
}

func (gm *graphManager) ChangeManager() ChangeManager { return gm.cm }
func (gm *graphManager) SinkNode() *flowgraph.Node    { return gm.sinkNode }

func (gm *graphManager) LeafNodeIDs() map[flowgraph.NodeID]struct{} {
	return gm.leafNodeIDs
}

func (gm *graphManager) TaskForNode(id flowgraph.NodeID) *types.TaskDescriptor {
	n := gm.cm.Graph().Node(id)
	if n == nil {
		return nil
	}
	return n.Task
}

func (gm *graphManager) ResourceForNode(id flowgraph.NodeID) *types.ResourceDescriptor {
	n := gm.cm.Graph().Node(id)
	if n == nil {
		return nil
	}
	return n.ResourceDesc
}

func (gm *graphManager) AddOrUpdateJobNodes(jobs []*types.JobDescriptor) {
	var nodeQueue []*taskOrNode
	markedNodes := make(map[flowgraph.NodeID]struct{})
	for _, job := range jobs {
		jid := types.MustJobIDFromString(job.UUID)
		unschedAggNode := gm.jobUnschedToNode[jid]
		if unschedAggNode == nil {
			unschedAggNode = gm.addUnscheduledAggNode(jid)
		}

		rootTD := job.RootTask
		rootTaskNode := gm.taskToNode[types.TaskID(rootTD.UID)]
		switch {
		case rootTaskNode != nil:
			nodeQueue = append(nodeQueue, &taskOrNode{Node: rootTaskNode, TaskDesc: rootTD})
			markedNodes[rootTaskNode.ID] = struct{}{}
		case taskNeedsNode(rootTD):
			rootTaskNode = gm.addTaskNode(jid, rootTD)
			gm.updateUnscheduledAggNode(unschedAggNode, 1)
			nodeQueue = append(nodeQueue, &taskOrNode{Node: rootTaskNode, TaskDesc: rootTD})
			markedNodes[rootTaskNode.ID] = struct{}{}
		default:
			// No node needed, but children may still be schedulable. The
			// task tree has no cycles so we never revisit it.
			nodeQueue = append(nodeQueue, &taskOrNode{TaskDesc: rootTD})
		}
	}
	gm.updateFlowGraph(nodeQueue, markedNodes)
}

func (gm *graphManager) UpdateTimeDependentCosts(jobs []*types.JobDescriptor) {
	// Re-walking the job nodes refreshes every arc whose cost is a function
	// of time, including the unscheduled penalties.
	gm.AddOrUpdateJobNodes(jobs)
}

func (gm *graphManager) AddResourceTopology(rtnd *types.ResourceTopologyNode) {
	if rtnd == nil {
		panic("flowmanager: AddResourceTopology on nil topology")
	}
	rd := rtnd.Desc
	gm.addResourceTopologyDFS(rtnd)
	// Propagate the new capacity up to the topology root.
	if rtnd.ParentID != "" {
		currNode := gm.nodeForResourceID(types.MustResourceIDFromString(rtnd.ParentID))
		gm.updateResourceStatsUpToRoot(currNode,
			int64(gm.capacityFromResNodeToParent(rd)),
			int64(rd.NumSlotsBelow), int64(rd.NumRunningTasksBelow))
	}
}

func (gm *graphManager) UpdateResourceTopology(rtnd *types.ResourceTopologyNode) {
	rd := rtnd.Desc
	oldCapacity := int64(gm.capacityFromResNodeToParent(rd))
	oldNumSlots := int64(rd.NumSlotsBelow)
	oldNumRunningTasks := int64(rd.NumRunningTasksBelow)
	gm.updateResourceTopologyDFS(rtnd)

	if rtnd.ParentID != "" {
		// updateResourceTopologyDFS already refreshed the arc from rtnd to
		// its parent, so propagation starts one level up.
		curNode := gm.nodeForResourceID(types.MustResourceIDFromString(rtnd.ParentID))
		capDelta := int64(gm.capacityFromResNodeToParent(rd)) - oldCapacity
		slotsDelta := int64(rd.NumSlotsBelow) - oldNumSlots
		runningTasksDelta := int64(rd.NumRunningTasksBelow) - oldNumRunningTasks
		gm.updateResourceStatsUpToRoot(curNode, capDelta, slotsDelta, runningTasksDelta)
	}
}

func (gm *graphManager) RemoveResourceTopology(rd *types.ResourceDescriptor) []flowgraph.NodeID {
	rNode := gm.nodeForResourceID(types.MustResourceIDFromString(rd.UUID))
	if rNode == nil {
		panic(fmt.Sprintf("flowmanager: RemoveResourceTopology: no node for resource %s", rd.UUID))
	}
	removedPUs := make([]flowgraph.NodeID, 0)
	capDelta := int64(0)

	for _, arc := range append([]*flowgraph.Arc(nil), rNode.OutgoingArcs()...) {
		capDelta -= int64(arc.CapUpperBound)
		if arc.DstNode.IsResourceNode() {
			removedPUs = append(removedPUs, gm.traverseAndRemoveTopology(arc.DstNode)...)
		}
	}
	gm.updateResourceStatsUpToRoot(rNode, capDelta,
		-int64(rNode.ResourceDesc.NumSlotsBelow), -int64(rNode.ResourceDesc.NumRunningTasksBelow))
	if rNode.Type == flowgraph.NodeTypePU {
		removedPUs = append(removedPUs, rNode.ID)
	} else if rNode.Type == flowgraph.NodeTypeMachine {
		gm.costModel.RemoveMachine(rNode.ResourceID)
	}
	gm.removeResourceNode(rNode)
	return removedPUs
}

func (gm *graphManager) JobCompleted(id types.JobID) {
	// The job's task nodes have already been removed one by one; only the
	// unscheduled aggregator remains.
	gm.removeUnscheduledAggNode(id)
}

func (gm *graphManager) TaskCompleted(id types.TaskID) flowgraph.NodeID {
	taskNode := gm.taskToNode[id]
	if taskNode == nil {
		panic(fmt.Sprintf("flowmanager: TaskCompleted: no node for task %d", id))
	}
	if gm.preemption {
		// Without preemption, pinning the task already took its unit of the
		// unscheduled aggregator's capacity to the sink. With preemption the
		// unit is still there, so it is taken here.
		gm.updateUnscheduledAggNode(gm.jobUnschedToNode[taskNode.JobID], -1)
	}
	delete(gm.taskToRunningArc, id)
	gm.costModel.RemoveTask(id)
	nodeID := gm.removeTaskNode(taskNode)
	return nodeID
}

func (gm *graphManager) TaskEvicted(id types.TaskID, rid types.ResourceID) {
	taskNode := gm.taskToNode[id]
	if taskNode == nil {
		panic(fmt.Sprintf("flowmanager: TaskEvicted: no node for task %d", id))
	}
	taskNode.Type = flowgraph.NodeTypeUnscheduledTask

	arc, ok := gm.taskToRunningArc[id]
	if !ok {
		panic(fmt.Sprintf("flowmanager: TaskEvicted: no running arc for task %d", id))
	}
	delete(gm.taskToRunningArc, id)
	gm.cm.DeleteArc(arc, dimacs.DelArcEvictedTask, "TaskEvicted: delete running arc")

	if !gm.preemption {
		// Without preemption the task can now stay unscheduled, so the
		// aggregator regains a unit of capacity to the sink.
		unschedAggNode := gm.jobUnschedToNode[types.MustJobIDFromString(taskNode.Task.JobID)]
		if unschedAggNode == nil {
			panic(fmt.Sprintf("flowmanager: TaskEvicted: no unscheduled aggregator for task %d", id))
		}
		gm.updateUnscheduledAggNode(unschedAggNode, 1)
	}
	// The task's outgoing arcs are re-materialized just before the next
	// solver run, by AddOrUpdateJobNodes.
}

func (gm *graphManager) TaskFailed(id types.TaskID) { gm.removeTaskHelper(id) }
func (gm *graphManager) TaskKilled(id types.TaskID) { gm.removeTaskHelper(id) }

func (gm *graphManager) TaskMigrated(id types.TaskID, from, to types.ResourceID) {
	gm.TaskEvicted(id, from)
	gm.TaskScheduled(id, to)
}

func (gm *graphManager) TaskScheduled(id types.TaskID, rid types.ResourceID) {
	taskNode := gm.taskToNode[id]
	if taskNode == nil {
		panic(fmt.Sprintf("flowmanager: TaskScheduled: no node for task %d", id))
	}
	taskNode.Type = flowgraph.NodeTypeScheduledTask

	resNode := gm.nodeForResourceID(rid)
	if resNode == nil {
		panic(fmt.Sprintf("flowmanager: TaskScheduled: no node for resource %s", rid))
	}
	gm.updateArcsForScheduledTask(taskNode, resNode)
}

func (gm *graphManager) PurgeUnconnectedEquivClassNodes() {
	// A purge may leave an EC-only subgraph behind; later purges finish
	// the job, so a single pass is fine here.
	for _, node := range gm.taskECToNode {
		if len(node.IncomingArcs()) == 0 {
			gm.removeEquivClassNode(node)
		}
	}
}

func (gm *graphManager) UpdateAllCostsToUnscheduledAggs() {
	for _, jobNode := range gm.jobUnschedToNode {
		for _, arc := range jobNode.IncomingArcs() {
			if arc.SrcNode.IsTaskAssignedOrRunning() {
				gm.updateRunningTaskNode(arc.SrcNode, false, nil, nil)
			} else {
				gm.updateTaskToUnscheduledAggArc(arc.SrcNode)
			}
		}
	}
}

func (gm *graphManager) ComputeTopologyStatistics() {
	// Pass 1: prepare accumulators on first touch, gather leaf-to-root.
	gm.reverseBFS(func(src, dst *flowgraph.Node, firstVisit bool) {
		if firstVisit {
			gm.costModel.PrepareStats(src)
		}
		gm.costModel.GatherStats(src, dst)
	})
	// Pass 2: final propagation.
	gm.reverseBFS(func(src, dst *flowgraph.Node, _ bool) {
		gm.costModel.UpdateStats(src, dst)
	})
}

// reverseBFS walks the graph once from the sink along incoming arcs. The
// topology must be a tree; visit runs for every (src, dst) edge, with
// firstVisit set the first time src is reached in this traversal.
func (gm *graphManager) reverseBFS(visit func(src, dst *flowgraph.Node, firstVisit bool)) {
	gm.curTraversalCounter++
	toVisit := []*flowgraph.Node{gm.sinkNode}
	gm.sinkNode.Visited = gm.curTraversalCounter
	for len(toVisit) > 0 {
		curNode := toVisit[0]
		toVisit = toVisit[1:]
		for _, incomingArc := range curNode.IncomingArcs() {
			first := incomingArc.SrcNode.Visited != gm.curTraversalCounter
			if first {
				toVisit = append(toVisit, incomingArc.SrcNode)
				incomingArc.SrcNode.Visited = gm.curTraversalCounter
			}
			visit(incomingArc.SrcNode, curNode, first)
		}
	}
}

func (gm *graphManager) NodeBindingToSchedulingDelta(taskNodeID, puNodeID flowgraph.NodeID,
	taskBindings map[types.TaskID]types.ResourceID) *types.SchedulingDelta {

	taskNode := gm.cm.Graph().Node(taskNodeID)
	if taskNode == nil || !taskNode.IsTaskNode() {
		panic(fmt.Sprintf("flowmanager: solver bound non-task node %d", taskNodeID))
	}
	puNode := gm.cm.Graph().Node(puNodeID)
	if puNode == nil || puNode.Type != flowgraph.NodeTypePU {
		panic(fmt.Sprintf("flowmanager: solver bound task to non-PU node %d", puNodeID))
	}

	task := taskNode.Task
	if task == nil {
		panic(fmt.Sprintf("flowmanager: task node %d has no task descriptor", taskNodeID))
	}
	res := puNode.ResourceDesc
	if res == nil {
		panic(fmt.Sprintf("flowmanager: PU node %d has no resource descriptor", puNodeID))
	}

	boundRes, ok := taskBindings[task.UID]
	if !ok {
		return &types.SchedulingDelta{
			Kind:       types.DeltaPlace,
			TaskID:     task.UID,
			ResourceID: res.UUID,
		}
	}

	if boundRes != types.MustResourceIDFromString(res.UUID) {
		return &types.SchedulingDelta{
			Kind:          types.DeltaMigrate,
			TaskID:        task.UID,
			ResourceID:    res.UUID,
			OldResourceID: boundRes.String(),
		}
	}

	// Binding unchanged: re-register the task on its resource, which
	// SchedulingDeltasForPreemptedTasks cleared.
	res.CurrentRunningTasks = append(res.CurrentRunningTasks, task.UID)
	return nil
}

func (gm *graphManager) SchedulingDeltasForPreemptedTasks(tm TaskMapping, rmap *types.ResourceMap) []types.SchedulingDelta {
	deltas := make([]types.SchedulingDelta, 0)
	rmap.Range(func(rd *types.ResourceDescriptor) bool {
		for _, taskID := range rd.CurrentRunningTasks {
			taskNode := gm.taskToNode[taskID]
			if taskNode == nil {
				// Task finished; nothing to preempt.
				continue
			}
			if _, ok := tm[taskNode.ID]; !ok {
				deltas = append(deltas, types.SchedulingDelta{
					Kind:       types.DeltaPreempt,
					TaskID:     taskID,
					ResourceID: rd.UUID,
				})
			}
		}
		// Clear and let NodeBindingToSchedulingDelta and the driver
		// repopulate the survivors; cheaper than erasing one by one.
		rd.CurrentRunningTasks = rd.CurrentRunningTasks[:0]
		return true
	})
	return deltas
}
