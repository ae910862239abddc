package flowmanager

import (
	"fmt"
	"strconv"

	"github.com/quarrylabs/quarry/pkg/dimacs"
	"github.com/quarrylabs/quarry/pkg/flowgraph"
	"github.com/quarrylabs/quarry/pkg/types"
)

func (gm *graphManager) addEquivClassNode(ec types.EquivClass) *flowgraph.Node {
	ecNode := gm.cm.AddNode(flowgraph.NodeTypeEquivClass, 0, dimacs.AddEquivClassNode,
		"EC_"+strconv.FormatUint(uint64(ec), 10))
	ecCopy := ec
	ecNode.EquivClass = &ecCopy
	if _, ok := gm.taskECToNode[ec]; ok {
		panic(fmt.Sprintf("flowmanager: EC %d already has a node", ec))
	}
	gm.taskECToNode[ec] = ecNode
	return ecNode
}

func (gm *graphManager) addResourceNode(rd *types.ResourceDescriptor) *flowgraph.Node {
	comment := "AddResourceNode"
	if rd.FriendlyName != "" {
		comment = rd.FriendlyName
	}
	resourceNode := gm.cm.AddNode(flowgraph.ResourceNodeType(rd), 0, dimacs.AddResourceNode, comment)
	rID := types.MustResourceIDFromString(rd.UUID)
	resourceNode.ResourceID = rID
	resourceNode.ResourceDesc = rd
	if _, ok := gm.resourceToNode[rID]; ok {
		panic(fmt.Sprintf("flowmanager: resource %s already has a node", rID))
	}
	gm.resourceToNode[rID] = resourceNode

	if resourceNode.Type == flowgraph.NodeTypePU {
		gm.leafNodeIDs[resourceNode.ID] = struct{}{}
		gm.leafResourceIDs[rID] = struct{}{}
	}
	return resourceNode
}

// addResourceTopologyDFS adds the subtree rooted at rtnd: the resource node
// itself (PUs get an arc to the sink, machines are announced to the cost
// model), its children, and finally the arc from its parent.
func (gm *graphManager) addResourceTopologyDFS(rtnd *types.ResourceTopologyNode) {
	rd := rtnd.Desc
	rID := types.MustResourceIDFromString(rd.UUID)
	resourceNode := gm.nodeForResourceID(rID)

	addedNewResNode := false
	if resourceNode == nil {
		addedNewResNode = true
		resourceNode = gm.addResourceNode(rd)
		switch resourceNode.Type {
		case flowgraph.NodeTypePU:
			gm.updateResToSinkArc(resourceNode)
			rd.NumSlotsBelow = gm.maxTasksPerPU
			rd.NumRunningTasksBelow = uint64(len(rd.CurrentRunningTasks))
		case flowgraph.NodeTypeMachine:
			gm.costModel.AddMachine(rtnd)
			rd.NumSlotsBelow = 0
			rd.NumRunningTasksBelow = 0
		default:
			rd.NumSlotsBelow = 0
			rd.NumRunningTasksBelow = 0
		}
	} else {
		rd.NumSlotsBelow = 0
		rd.NumRunningTasksBelow = 0
		if resourceNode.Type == flowgraph.NodeTypePU {
			rd.NumSlotsBelow = gm.maxTasksPerPU
			rd.NumRunningTasksBelow = uint64(len(rd.CurrentRunningTasks))
		}
	}

	for _, child := range rtnd.Children {
		gm.addResourceTopologyDFS(child)
		rd.NumSlotsBelow += child.Desc.NumSlotsBelow
		rd.NumRunningTasksBelow += child.Desc.NumRunningTasksBelow
	}

	if addedNewResNode && rtnd.ParentID != "" {
		pID := types.MustResourceIDFromString(rtnd.ParentID)
		parentNode := gm.nodeForResourceID(pID)
		if parentNode == nil {
			panic(fmt.Sprintf("flowmanager: no node for parent resource %s", rtnd.ParentID))
		}
		if _, ok := gm.nodeToParentNode[resourceNode]; ok {
			panic(fmt.Sprintf("flowmanager: resource %s already has a parent", rd.UUID))
		}
		gm.nodeToParentNode[resourceNode] = parentNode

		desc := gm.costModel.ResourceNodeToResourceNode(parentNode.ResourceDesc, rd)
		gm.cm.AddArc(parentNode, resourceNode, desc.MinFlow, desc.Capacity, int64(desc.Cost),
			flowgraph.ArcTypeOther, dimacs.AddArcBetweenRes, "AddResourceTopologyDFS")
	}
}

func (gm *graphManager) addTaskNode(jobID types.JobID, td *types.TaskDescriptor) *flowgraph.Node {
	gm.costModel.AddTask(td.UID)
	taskNode := gm.cm.AddNode(flowgraph.NodeTypeUnscheduledTask, 1, dimacs.AddTaskNode, "AddTaskNode")
	taskNode.Task = td
	taskNode.JobID = jobID
	gm.sinkNode.Excess--
	if _, ok := gm.taskToNode[td.UID]; ok {
		panic(fmt.Sprintf("flowmanager: task %d already has a node", td.UID))
	}
	gm.taskToNode[td.UID] = taskNode
	return taskNode
}

func (gm *graphManager) addUnscheduledAggNode(jobID types.JobID) *flowgraph.Node {
	comment := "UNSCHED_AGG_for_" + jobID.String()
	unschedAggNode := gm.cm.AddNode(flowgraph.NodeTypeJobAggregator, 0, dimacs.AddUnschedJobNode, comment)
	unschedAggNode.JobID = jobID
	if _, ok := gm.jobUnschedToNode[jobID]; ok {
		panic(fmt.Sprintf("flowmanager: job %s already has an unscheduled aggregator", jobID))
	}
	gm.jobUnschedToNode[jobID] = unschedAggNode
	return unschedAggNode
}

func (gm *graphManager) capacityFromResNodeToParent(rd *types.ResourceDescriptor) uint64 {
	if gm.preemption {
		return rd.NumSlotsBelow
	}
	return rd.NumSlotsBelow - rd.NumRunningTasksBelow
}

// pinTaskToNode turns the task's arc to resourceNode into its only outgoing
// arc, the running arc, priced at the continuation cost.
func (gm *graphManager) pinTaskToNode(taskNode, resourceNode *flowgraph.Node) {
	taskID := taskNode.Task.UID
	addedRunningArc := false
	for _, arc := range append([]*flowgraph.Arc(nil), taskNode.OutgoingArcs()...) {
		if arc.Dst != resourceNode.ID {
			gm.cm.DeleteArc(arc, dimacs.DelArcTaskToEquivClass, "PinTaskToNode")
			continue
		}
		// A preference arc to the same PU becomes the running arc.
		desc := gm.costModel.TaskContinuation(taskID)
		arc.Type = flowgraph.ArcTypeRunning
		gm.cm.ChangeArc(arc, 0, desc.Capacity, int64(desc.Cost), dimacs.ChgArcRunningTask,
			"PinTaskToNode: transform to running arc")
		gm.setRunningArc(taskID, arc)
		addedRunningArc = true
	}

	if !addedRunningArc {
		desc := gm.costModel.TaskContinuation(taskID)
		newArc := gm.cm.AddArc(taskNode, resourceNode, 0, desc.Capacity, int64(desc.Cost),
			flowgraph.ArcTypeRunning, dimacs.AddArcRunningTask, "PinTaskToNode: add running arc")
		gm.setRunningArc(taskID, newArc)
	}
	// The pinned task no longer reaches its unscheduled aggregator, so the
	// aggregator gives up that task's unit of capacity to the sink.
	gm.updateUnscheduledAggNode(gm.jobUnschedToNode[taskNode.JobID], -1)
}

func (gm *graphManager) setRunningArc(taskID types.TaskID, arc *flowgraph.Arc) {
	if _, ok := gm.taskToRunningArc[taskID]; ok {
		panic(fmt.Sprintf("flowmanager: task %d already has a running arc", taskID))
	}
	gm.taskToRunningArc[taskID] = arc
}

func (gm *graphManager) removeEquivClassNode(ecNode *flowgraph.Node) {
	delete(gm.taskECToNode, *ecNode.EquivClass)
	gm.cm.DeleteNode(ecNode, dimacs.DelEquivClassNode, "RemoveEquivClassNode")
}

// removeInvalidECPrefArcs deletes arcs from node to EC nodes that are no
// longer among its preferred equivalence classes.
func (gm *graphManager) removeInvalidECPrefArcs(node *flowgraph.Node, prefECs []types.EquivClass,
	changeType dimacs.ChangeType) {

	prefSet := make(map[types.EquivClass]struct{}, len(prefECs))
	for _, ec := range prefECs {
		prefSet[ec] = struct{}{}
	}
	var toDelete []*flowgraph.Arc
	for _, arc := range node.OutgoingArcs() {
		ecPtr := arc.DstNode.EquivClass
		if ecPtr == nil {
			continue
		}
		if _, ok := prefSet[*ecPtr]; ok {
			continue
		}
		toDelete = append(toDelete, arc)
	}
	for _, arc := range toDelete {
		gm.cm.DeleteArc(arc, changeType, "RemoveInvalidECPrefArcs")
	}
}

// removeInvalidPrefResArcs deletes arcs from node to resource nodes that are
// no longer among its preferred resources. Running arcs survive.
func (gm *graphManager) removeInvalidPrefResArcs(node *flowgraph.Node, prefResources []types.ResourceID,
	changeType dimacs.ChangeType) {

	prefSet := make(map[types.ResourceID]struct{}, len(prefResources))
	for _, rID := range prefResources {
		prefSet[rID] = struct{}{}
	}
	var toDelete []*flowgraph.Arc
	for _, arc := range node.OutgoingArcs() {
		if !arc.DstNode.IsResourceNode() {
			continue
		}
		if _, ok := prefSet[arc.DstNode.ResourceID]; ok {
			continue
		}
		if arc.Type == flowgraph.ArcTypeRunning {
			continue
		}
		toDelete = append(toDelete, arc)
	}
	for _, arc := range toDelete {
		gm.cm.DeleteArc(arc, changeType, "RemoveInvalidPrefResArcs")
	}
}

func (gm *graphManager) removeResourceNode(resNode *flowgraph.Node) {
	delete(gm.nodeToParentNode, resNode)
	delete(gm.leafNodeIDs, resNode.ID)
	delete(gm.leafResourceIDs, resNode.ResourceID)
	delete(gm.resourceToNode, resNode.ResourceID)
	gm.cm.DeleteNode(resNode, dimacs.DelResourceNode, "RemoveResourceNode")
}

func (gm *graphManager) removeTaskHelper(id types.TaskID) {
	taskNode := gm.taskToNode[id]
	// The node may be gone already if the task completed first.
	if taskNode == nil {
		return
	}
	if gm.preemption {
		gm.updateUnscheduledAggNode(gm.jobUnschedToNode[taskNode.JobID], -1)
	}
	delete(gm.taskToRunningArc, id)
	gm.costModel.RemoveTask(id)
	gm.removeTaskNode(taskNode)
}

func (gm *graphManager) removeTaskNode(n *flowgraph.Node) flowgraph.NodeID {
	taskNodeID := n.ID
	n.Excess = 0
	gm.sinkNode.Excess++
	delete(gm.taskToNode, n.Task.UID)
	gm.cm.DeleteNode(n, dimacs.DelTaskNode, "RemoveTaskNode")
	return taskNodeID
}

func (gm *graphManager) removeUnscheduledAggNode(jobID types.JobID) {
	unschedAggNode := gm.jobUnschedToNode[jobID]
	if unschedAggNode != nil {
		delete(gm.jobUnschedToNode, jobID)
		gm.cm.DeleteNode(unschedAggNode, dimacs.DelUnschedJobNode, "RemoveUnscheduledAggNode")
	}
}

// traverseAndRemoveTopology removes the resource subtree rooted at resNode
// and returns the PU node ids the caller must unbind.
func (gm *graphManager) traverseAndRemoveTopology(resNode *flowgraph.Node) []flowgraph.NodeID {
	removedPUs := make([]flowgraph.NodeID, 0)
	for _, arc := range append([]*flowgraph.Arc(nil), resNode.OutgoingArcs()...) {
		if arc.DstNode.IsResourceNode() {
			removedPUs = append(removedPUs, gm.traverseAndRemoveTopology(arc.DstNode)...)
		}
	}
	if resNode.Type == flowgraph.NodeTypePU {
		removedPUs = append(removedPUs, resNode.ID)
	} else if resNode.Type == flowgraph.NodeTypeMachine {
		gm.costModel.RemoveMachine(resNode.ResourceID)
	}
	gm.removeResourceNode(resNode)
	return removedPUs
}

// updateArcsForScheduledTask rewires a newly scheduled task. Without
// preemption the task is pinned: all arcs except the running arc vanish.
// With preemption the other arcs stay so the solver may move the task, and
// the arc to the unscheduled aggregator carries the preemption cost.
func (gm *graphManager) updateArcsForScheduledTask(taskNode, resourceNode *flowgraph.Node) {
	if !gm.preemption {
		gm.pinTaskToNode(taskNode, resourceNode)
		return
	}

	taskID := taskNode.Task.UID
	desc := gm.costModel.TaskContinuation(taskID)
	runningArc := gm.taskToRunningArc[taskID]
	if runningArc == nil {
		// The graph holds no multi-arcs, so a preference arc to the same PU
		// doubles as the running arc.
		if runningArc = gm.cm.Graph().GetArc(taskNode, resourceNode); runningArc != nil {
			gm.setRunningArc(taskID, runningArc)
		}
	}
	if runningArc != nil {
		runningArc.Type = flowgraph.ArcTypeRunning
		gm.cm.ChangeArc(runningArc, desc.MinFlow, desc.Capacity, int64(desc.Cost),
			dimacs.ChgArcRunningTask, "UpdateArcsForScheduledTask: transform to running arc")
		gm.updateRunningTaskToUnscheduledAggArc(taskNode)
		return
	}

	runningArc = gm.cm.AddArc(taskNode, resourceNode, desc.MinFlow, desc.Capacity, int64(desc.Cost),
		flowgraph.ArcTypeRunning, dimacs.AddArcRunningTask, "UpdateArcsForScheduledTask: add running arc")
	gm.setRunningArc(taskID, runningArc)
	gm.updateRunningTaskToUnscheduledAggArc(taskNode)
}

// updateChildrenTasks pushes the children of td onto the queue, creating
// nodes for those that need one.
func (gm *graphManager) updateChildrenTasks(td *types.TaskDescriptor, nodeQueue *[]*taskOrNode,
	markedNodes map[flowgraph.NodeID]struct{}) {

	// Completed or running tasks still get walked: their children may be
	// eligible for scheduling.
	for _, childTask := range td.Spawned {
		childTaskNode := gm.taskToNode[childTask.UID]
		if childTaskNode != nil {
			if _, ok := markedNodes[childTaskNode.ID]; !ok {
				*nodeQueue = append(*nodeQueue, &taskOrNode{Node: childTaskNode, TaskDesc: childTask})
				markedNodes[childTaskNode.ID] = struct{}{}
			}
			continue
		}
		if !taskNeedsNode(childTask) {
			*nodeQueue = append(*nodeQueue, &taskOrNode{TaskDesc: childTask})
			continue
		}
		jobID := types.MustJobIDFromString(childTask.JobID)
		childTaskNode = gm.addTaskNode(jobID, childTask)
		gm.updateUnscheduledAggNode(gm.jobUnschedToNode[jobID], 1)
		*nodeQueue = append(*nodeQueue, &taskOrNode{Node: childTaskNode, TaskDesc: childTask})
		markedNodes[childTaskNode.ID] = struct{}{}
	}
}

func (gm *graphManager) updateEquivClassNode(ecNode *flowgraph.Node, nodeQueue *[]*taskOrNode,
	markedNodes map[flowgraph.NodeID]struct{}) {
	gm.updateEquivToEquivArcs(ecNode, nodeQueue, markedNodes)
	gm.updateEquivToResArcs(ecNode, nodeQueue, markedNodes)
}

func (gm *graphManager) updateEquivToEquivArcs(ecNode *flowgraph.Node, nodeQueue *[]*taskOrNode,
	markedNodes map[flowgraph.NodeID]struct{}) {

	prefECs := gm.costModel.GetEquivClassToEquivClassesArcs(*ecNode.EquivClass)
	for _, prefEC := range prefECs {
		prefECNode := gm.taskECToNode[prefEC]
		if prefECNode == nil {
			prefECNode = gm.addEquivClassNode(prefEC)
		}
		desc := gm.costModel.EquivClassToEquivClass(*ecNode.EquivClass, prefEC)
		prefECArc := gm.cm.Graph().GetArc(ecNode, prefECNode)
		if prefECArc == nil {
			gm.cm.AddArc(ecNode, prefECNode, desc.MinFlow, desc.Capacity, int64(desc.Cost),
				flowgraph.ArcTypeOther, dimacs.AddArcBetweenEquivClass, "UpdateEquivClassNode")
		} else {
			gm.cm.ChangeArc(prefECArc, desc.MinFlow, desc.Capacity, int64(desc.Cost),
				dimacs.ChgArcBetweenEquivClass, "UpdateEquivClassNode")
		}
		if _, ok := markedNodes[prefECNode.ID]; !ok {
			markedNodes[prefECNode.ID] = struct{}{}
			*nodeQueue = append(*nodeQueue, &taskOrNode{Node: prefECNode})
		}
	}
	gm.removeInvalidECPrefArcs(ecNode, prefECs, dimacs.DelArcBetweenEquivClass)
}

func (gm *graphManager) updateEquivToResArcs(ecNode *flowgraph.Node, nodeQueue *[]*taskOrNode,
	markedNodes map[flowgraph.NodeID]struct{}) {

	prefResources := gm.costModel.GetOutgoingEquivClassPrefArcs(*ecNode.EquivClass)
	for _, prefRID := range prefResources {
		prefResNode := gm.nodeForResourceID(prefRID)
		// Cost models cannot prefer a resource that was never added.
		if prefResNode == nil {
			panic(fmt.Sprintf("flowmanager: EC %d prefers unknown resource %s", *ecNode.EquivClass, prefRID))
		}
		desc := gm.costModel.EquivClassToResourceNode(*ecNode.EquivClass, prefRID)
		prefResArc := gm.cm.Graph().GetArc(ecNode, prefResNode)
		if prefResArc == nil {
			gm.cm.AddArc(ecNode, prefResNode, desc.MinFlow, desc.Capacity, int64(desc.Cost),
				flowgraph.ArcTypeOther, dimacs.AddArcEquivClassToRes, "UpdateEquivToResArcs")
		} else {
			gm.cm.ChangeArc(prefResArc, desc.MinFlow, desc.Capacity, int64(desc.Cost),
				dimacs.ChgArcEquivClassToRes, "UpdateEquivToResArcs")
		}
		if _, ok := markedNodes[prefResNode.ID]; !ok {
			markedNodes[prefResNode.ID] = struct{}{}
			*nodeQueue = append(*nodeQueue, &taskOrNode{Node: prefResNode})
		}
	}
	gm.removeInvalidPrefResArcs(ecNode, prefResources, dimacs.DelArcEquivClassToRes)
}

func (gm *graphManager) updateFlowGraph(nodeQueue []*taskOrNode, markedNodes map[flowgraph.NodeID]struct{}) {
	for len(nodeQueue) > 0 {
		item := nodeQueue[0]
		nodeQueue = nodeQueue[1:]
		node := item.Node
		switch {
		case node == nil:
			// Task without a graph node; only its children matter.
			gm.updateChildrenTasks(item.TaskDesc, &nodeQueue, markedNodes)
		case node.IsTaskNode():
			gm.updateTaskNode(node, &nodeQueue, markedNodes)
			gm.updateChildrenTasks(item.TaskDesc, &nodeQueue, markedNodes)
		case node.IsEquivClassNode():
			gm.updateEquivClassNode(node, &nodeQueue, markedNodes)
		case node.IsResourceNode():
			gm.updateResourceNode(node, &nodeQueue, markedNodes)
		default:
			panic(fmt.Sprintf("flowmanager: unexpected node type %v in update queue", node.Type))
		}
	}
}

func (gm *graphManager) updateResourceNode(resNode *flowgraph.Node, nodeQueue *[]*taskOrNode,
	markedNodes map[flowgraph.NodeID]struct{}) {

	for _, arc := range append([]*flowgraph.Arc(nil), resNode.OutgoingArcs()...) {
		if arc.DstNode.Type == flowgraph.NodeTypeSink {
			gm.updateResToSinkArc(resNode)
			continue
		}
		desc := gm.costModel.ResourceNodeToResourceNode(resNode.ResourceDesc, arc.DstNode.ResourceDesc)
		gm.cm.ChangeArc(arc, desc.MinFlow, desc.Capacity, int64(desc.Cost),
			dimacs.ChgArcBetweenRes, "UpdateResourceNode")
		if _, ok := markedNodes[arc.DstNode.ID]; !ok {
			markedNodes[arc.DstNode.ID] = struct{}{}
			*nodeQueue = append(*nodeQueue, &taskOrNode{Node: arc.DstNode})
		}
	}
}

// updateResourceStatsUpToRoot propagates capacity/slot/running-task deltas
// from currNode's parent arc up to the topology root.
func (gm *graphManager) updateResourceStatsUpToRoot(currNode *flowgraph.Node, capDelta, slotsDelta, runningTasksDelta int64) {
	for {
		parentNode := gm.nodeToParentNode[currNode]
		if parentNode == nil {
			return
		}
		parentArc := gm.cm.Graph().GetArc(parentNode, currNode)
		if parentArc == nil {
			panic(fmt.Sprintf("flowmanager: missing arc from parent %d to %d", parentNode.ID, currNode.ID))
		}
		newCapacity := uint64(int64(parentArc.CapUpperBound) + capDelta)
		gm.cm.ChangeArcCapacity(parentArc, newCapacity, dimacs.ChgArcBetweenRes, "UpdateCapacityUpToRoot")
		parentNode.ResourceDesc.NumSlotsBelow =
			uint64(int64(parentNode.ResourceDesc.NumSlotsBelow) + slotsDelta)
		parentNode.ResourceDesc.NumRunningTasksBelow =
			uint64(int64(parentNode.ResourceDesc.NumRunningTasksBelow) + runningTasksDelta)
		currNode = parentNode
	}
}

func (gm *graphManager) updateResourceTopologyDFS(rtnd *types.ResourceTopologyNode) {
	rd := rtnd.Desc
	rd.NumSlotsBelow = 0
	rd.NumRunningTasksBelow = 0
	if rd.Type == types.ResourcePU {
		rd.NumSlotsBelow = gm.maxTasksPerPU
		rd.NumRunningTasksBelow = uint64(len(rd.CurrentRunningTasks))
	}

	for _, child := range rtnd.Children {
		gm.updateResourceTopologyDFS(child)
		rd.NumSlotsBelow += child.Desc.NumSlotsBelow
		rd.NumRunningTasksBelow += child.Desc.NumRunningTasksBelow
	}

	if rtnd.ParentID != "" {
		currNode := gm.nodeForResourceID(types.MustResourceIDFromString(rd.UUID))
		if currNode == nil {
			panic(fmt.Sprintf("flowmanager: no node for resource %s", rd.UUID))
		}
		parentNode := gm.nodeToParentNode[currNode]
		if parentNode == nil {
			panic(fmt.Sprintf("flowmanager: no parent for resource node %d", currNode.ID))
		}
		parentArc := gm.cm.Graph().GetArc(parentNode, currNode)
		gm.cm.ChangeArcCapacity(parentArc, gm.capacityFromResNodeToParent(rd),
			dimacs.ChgArcBetweenRes, "UpdateResourceTopologyDFS")
	}
}

// updateResToSinkArc refreshes the arc from a PU to the sink.
func (gm *graphManager) updateResToSinkArc(resNode *flowgraph.Node) {
	if resNode.Type != flowgraph.NodeTypePU {
		panic("flowmanager: only PUs have arcs to the sink")
	}
	resArcSink := gm.cm.Graph().GetArc(resNode, gm.sinkNode)
	desc := gm.costModel.LeafResourceNodeToSink(resNode.ResourceID)
	if resArcSink == nil {
		gm.cm.AddArc(resNode, gm.sinkNode, desc.MinFlow, desc.Capacity, int64(desc.Cost),
			flowgraph.ArcTypeOther, dimacs.AddArcResToSink, "UpdateResToSinkArc")
	} else {
		gm.cm.ChangeArc(resArcSink, desc.MinFlow, desc.Capacity, int64(desc.Cost),
			dimacs.ChgArcResToSink, "UpdateResToSinkArc")
	}
}

// updateRunningTaskNode refreshes a running task's continuation cost and,
// with preemption enabled, its preemption price and optionally preferences.
func (gm *graphManager) updateRunningTaskNode(taskNode *flowgraph.Node, updatePreferences bool,
	nodeQueue *[]*taskOrNode, markedNodes map[flowgraph.NodeID]struct{}) {

	taskID := taskNode.Task.UID
	runningArc := gm.taskToRunningArc[taskID]
	if runningArc == nil {
		panic(fmt.Sprintf("flowmanager: running task %d has no running arc", taskID))
	}
	desc := gm.costModel.TaskContinuation(taskID)
	gm.cm.ChangeArc(runningArc, desc.MinFlow, desc.Capacity, int64(desc.Cost),
		dimacs.ChgArcTaskToRes, "UpdateRunningTaskNode: continuation cost")
	if !gm.preemption {
		return
	}
	gm.updateRunningTaskToUnscheduledAggArc(taskNode)
	if updatePreferences {
		gm.updateTaskToResArcs(taskNode, nodeQueue, markedNodes)
		gm.updateTaskToEquivArcs(taskNode, nodeQueue, markedNodes)
	}
}

// updateRunningTaskToUnscheduledAggArc reprices the arc from a running task
// to its unscheduled aggregator with the preemption cost. Preemption only.
func (gm *graphManager) updateRunningTaskToUnscheduledAggArc(taskNode *flowgraph.Node) {
	if !gm.preemption {
		panic("flowmanager: running tasks keep no unscheduled arc without preemption")
	}
	unschedAggNode := gm.jobUnschedToNode[taskNode.JobID]
	if unschedAggNode == nil {
		panic(fmt.Sprintf("flowmanager: no unscheduled aggregator for job %s", taskNode.JobID))
	}
	unschedArc := gm.cm.Graph().GetArc(taskNode, unschedAggNode)
	if unschedArc == nil {
		panic(fmt.Sprintf("flowmanager: no unscheduled arc for task %d", taskNode.Task.UID))
	}
	desc := gm.costModel.TaskPreemption(taskNode.Task.UID)
	gm.cm.ChangeArc(unschedArc, desc.MinFlow, desc.Capacity, int64(desc.Cost),
		dimacs.ChgArcToUnsched, "UpdateRunningTaskToUnscheduledAggArc")
}

func (gm *graphManager) updateTaskNode(taskNode *flowgraph.Node, nodeQueue *[]*taskOrNode,
	markedNodes map[flowgraph.NodeID]struct{}) {

	if taskNode.IsTaskAssignedOrRunning() {
		gm.updateRunningTaskNode(taskNode, false, nodeQueue, markedNodes)
		return
	}
	gm.updateTaskToUnscheduledAggArc(taskNode)
	gm.updateTaskToEquivArcs(taskNode, nodeQueue, markedNodes)
	gm.updateTaskToResArcs(taskNode, nodeQueue, markedNodes)
}

func (gm *graphManager) updateTaskToEquivArcs(taskNode *flowgraph.Node, nodeQueue *[]*taskOrNode,
	markedNodes map[flowgraph.NodeID]struct{}) {

	prefECs := gm.costModel.GetTaskEquivClasses(taskNode.Task.UID)
	for _, prefEC := range prefECs {
		prefECNode := gm.taskECToNode[prefEC]
		if prefECNode == nil {
			prefECNode = gm.addEquivClassNode(prefEC)
		}
		desc := gm.costModel.TaskToEquivClassAggregator(taskNode.Task.UID, prefEC)
		prefECArc := gm.cm.Graph().GetArc(taskNode, prefECNode)
		if prefECArc == nil {
			gm.cm.AddArc(taskNode, prefECNode, desc.MinFlow, desc.Capacity, int64(desc.Cost),
				flowgraph.ArcTypeOther, dimacs.AddArcTaskToEquivClass, "UpdateTaskToEquivArcs")
		} else {
			gm.cm.ChangeArc(prefECArc, desc.MinFlow, desc.Capacity, int64(desc.Cost),
				dimacs.ChgArcTaskToEquivClass, "UpdateTaskToEquivArcs")
		}
		if _, ok := markedNodes[prefECNode.ID]; !ok {
			markedNodes[prefECNode.ID] = struct{}{}
			*nodeQueue = append(*nodeQueue, &taskOrNode{Node: prefECNode})
		}
	}
	gm.removeInvalidECPrefArcs(taskNode, prefECs, dimacs.DelArcTaskToEquivClass)
}

func (gm *graphManager) updateTaskToResArcs(taskNode *flowgraph.Node, nodeQueue *[]*taskOrNode,
	markedNodes map[flowgraph.NodeID]struct{}) {

	prefRIDs := gm.costModel.GetTaskPreferenceArcs(taskNode.Task.UID)
	for _, prefRID := range prefRIDs {
		prefResNode := gm.nodeForResourceID(prefRID)
		if prefResNode == nil {
			panic(fmt.Sprintf("flowmanager: task %d prefers unknown resource %s", taskNode.Task.UID, prefRID))
		}
		desc := gm.costModel.TaskToResourceNode(taskNode.Task.UID, prefRID)
		prefResArc := gm.cm.Graph().GetArc(taskNode, prefResNode)
		if prefResArc == nil {
			gm.cm.AddArc(taskNode, prefResNode, desc.MinFlow, desc.Capacity, int64(desc.Cost),
				flowgraph.ArcTypeOther, dimacs.AddArcTaskToRes, "UpdateTaskToResArcs")
		} else if prefResArc.Type != flowgraph.ArcTypeRunning {
			// Running arcs are priced by TaskContinuation elsewhere.
			gm.cm.ChangeArc(prefResArc, prefResArc.CapLowerBound, desc.Capacity, int64(desc.Cost),
				dimacs.ChgArcTaskToRes, "UpdateTaskToResArcs")
		}
		if _, ok := markedNodes[prefResNode.ID]; !ok {
			markedNodes[prefResNode.ID] = struct{}{}
			*nodeQueue = append(*nodeQueue, &taskOrNode{Node: prefResNode})
		}
	}
	gm.removeInvalidPrefResArcs(taskNode, prefRIDs, dimacs.DelArcTaskToRes)
}

// updateTaskToUnscheduledAggArc refreshes the arc from a task to its job's
// unscheduled aggregator, creating the aggregator if needed.
func (gm *graphManager) updateTaskToUnscheduledAggArc(taskNode *flowgraph.Node) *flowgraph.Node {
	unschedAggNode := gm.jobUnschedToNode[taskNode.JobID]
	if unschedAggNode == nil {
		unschedAggNode = gm.addUnscheduledAggNode(taskNode.JobID)
	}
	desc := gm.costModel.TaskToUnscheduledAgg(taskNode.Task.UID)
	toUnschedArc := gm.cm.Graph().GetArc(taskNode, unschedAggNode)
	if toUnschedArc == nil {
		gm.cm.AddArc(taskNode, unschedAggNode, desc.MinFlow, 1, int64(desc.Cost),
			flowgraph.ArcTypeOther, dimacs.AddArcToUnsched, "UpdateTaskToUnscheduledAggArc")
	} else {
		gm.cm.ChangeArc(toUnschedArc, desc.MinFlow, 1, int64(desc.Cost),
			dimacs.ChgArcToUnsched, "UpdateTaskToUnscheduledAggArc")
	}
	return unschedAggNode
}

// updateUnscheduledAggNode adjusts the capacity of the aggregator's arc to
// the sink by capDelta and refreshes its cost. The manager tracks the
// capacity itself; the cost model only prices the arc.
func (gm *graphManager) updateUnscheduledAggNode(unschedAggNode *flowgraph.Node, capDelta int64) {
	if unschedAggNode == nil {
		panic("flowmanager: updateUnscheduledAggNode on nil aggregator")
	}
	desc := gm.costModel.UnscheduledAggToSink(unschedAggNode.JobID)
	unschedAggSinkArc := gm.cm.Graph().GetArc(unschedAggNode, gm.sinkNode)
	if unschedAggSinkArc != nil {
		newCapacity := uint64(int64(unschedAggSinkArc.CapUpperBound) + capDelta)
		gm.cm.ChangeArc(unschedAggSinkArc, unschedAggSinkArc.CapLowerBound, newCapacity,
			int64(desc.Cost), dimacs.ChgArcFromUnsched, "UpdateUnscheduledAggNode")
		return
	}
	if capDelta < 1 {
		panic(fmt.Sprintf("flowmanager: new unscheduled aggregator with capacity delta %d", capDelta))
	}
	gm.cm.AddArc(unschedAggNode, gm.sinkNode, 0, uint64(capDelta), int64(desc.Cost),
		flowgraph.ArcTypeOther, dimacs.AddArcFromUnsched, "UpdateUnscheduledAggNode")
}

func (gm *graphManager) nodeForResourceID(resourceID types.ResourceID) *flowgraph.Node {
	return gm.resourceToNode[resourceID]
}

// taskNeedsNode reports whether the task should be represented in the graph.
func taskNeedsNode(td *types.TaskDescriptor) bool {
	return td.State == types.TaskStateRunnable ||
		td.State == types.TaskStateRunning ||
		td.State == types.TaskStateAssigned
}
