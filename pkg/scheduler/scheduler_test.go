package scheduler

import (
	"os"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/executor"
	"github.com/quarrylabs/quarry/pkg/flowgraph"
	"github.com/quarrylabs/quarry/pkg/flowmanager"
	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init("error", true, nil)
	os.Exit(m.Run())
}

// stubSolver emulates the external solver: bound tasks keep their PU,
// unbound tasks greedily take free PU capacity. Tasks in skip never
// receive a mapping, emulating an infeasible placement.
type stubSolver struct {
	gm   flowmanager.GraphManager
	seq  uint64
	skip map[types.TaskID]bool
	// force pins a task's next assignment to a specific PU node.
	force         map[types.TaskID]flowgraph.NodeID
	maxTasksPerPU int
}

func (ss *stubSolver) SeqNum() uint64 { return ss.seq }

func (ss *stubSolver) Solve() (flowmanager.TaskMapping, error) {
	defer func() { ss.seq++ }()
	mapping := flowmanager.TaskMapping{}
	g := ss.gm.ChangeManager().Graph()

	puLoad := make(map[flowgraph.NodeID]int)
	var leaves []flowgraph.NodeID
	for id := range ss.gm.LeafNodeIDs() {
		leaves = append(leaves, id)
		puLoad[id] = len(g.Node(id).ResourceDesc.CurrentRunningTasks)
	}
	sort.Slice(leaves, func(i, j int) bool { return leaves[i] < leaves[j] })

	var unbound []*flowgraph.Node
	for _, n := range g.Nodes() {
		if !n.IsTaskNode() || ss.skip[n.Task.UID] {
			continue
		}
		if forced, ok := ss.force[n.Task.UID]; ok {
			mapping.Insert(n.ID, forced)
			puLoad[forced]++
			continue
		}
		if n.Type == flowgraph.NodeTypeScheduledTask {
			for _, arc := range n.OutgoingArcs() {
				if arc.DstNode.Type == flowgraph.NodeTypePU {
					mapping.Insert(n.ID, arc.Dst)
				}
			}
			continue
		}
		unbound = append(unbound, n)
	}
	sort.Slice(unbound, func(i, j int) bool { return unbound[i].Task.UID < unbound[j].Task.UID })

	for _, n := range unbound {
		for _, leaf := range leaves {
			if puLoad[leaf] < ss.maxTasksPerPU {
				mapping.Insert(n.ID, leaf)
				puLoad[leaf]++
				break
			}
		}
	}
	return mapping, nil
}

type harness struct {
	sched  *Scheduler
	solver *stubSolver
	exec   *executor.Simulated
	root   *types.ResourceTopologyNode
}

func newHarness(t *testing.T, numMachines int, maxTasksPerPU uint64) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.MaxTasksPerPU = maxTasksPerPU

	h := &harness{exec: executor.NewSimulated()}
	h.solver = &stubSolver{
		skip:          make(map[types.TaskID]bool),
		force:         make(map[types.TaskID]flowgraph.NodeID),
		maxTasksPerPU: int(maxTasksPerPU),
	}
	sched, err := New(Options{
		Config:   cfg,
		Executor: h.exec,
		Solver:   h.solver,
		Clock:    func() uint64 { return 1000 },
	})
	require.NoError(t, err)
	h.sched = sched
	h.solver.gm = sched.gm

	clusterID := uuid.New().String()
	h.root = &types.ResourceTopologyNode{
		Desc: &types.ResourceDescriptor{UUID: clusterID, FriendlyName: "cluster0", Type: types.ResourceCluster},
	}
	for i := 0; i < numMachines; i++ {
		h.root.Children = append(h.root.Children, newMachineSubtree(clusterID))
	}
	sched.RegisterResource(h.root, true, true)
	return h
}

func newMachineSubtree(clusterID string) *types.ResourceTopologyNode {
	machineID := uuid.New().String()
	return &types.ResourceTopologyNode{
		Desc:     &types.ResourceDescriptor{UUID: machineID, Type: types.ResourceMachine},
		ParentID: clusterID,
		Children: []*types.ResourceTopologyNode{{
			Desc:     &types.ResourceDescriptor{UUID: uuid.New().String(), Type: types.ResourcePU},
			ParentID: machineID,
		}},
	}
}

func newJob(numTasks int, firstTaskID types.TaskID) *types.JobDescriptor {
	jd := &types.JobDescriptor{UUID: uuid.New().String(), Name: "job-" + uuid.NewString()[:8]}
	jd.RootTask = &types.TaskDescriptor{
		UID: firstTaskID, Name: "root", JobID: jd.UUID, State: types.TaskStateCreated,
	}
	for i := 1; i < numTasks; i++ {
		jd.RootTask.Spawned = append(jd.RootTask.Spawned, &types.TaskDescriptor{
			UID: firstTaskID + types.TaskID(i), Name: "child", JobID: jd.UUID,
			State: types.TaskStateCreated,
		})
	}
	return jd
}

func (h *harness) taskState(id types.TaskID) types.TaskState {
	return h.sched.taskMap.FindPtrOrNil(id).State
}

func TestScheduleOneTaskOnePU(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.sched.SubmitJob(newJob(1, 1))

	num := h.sched.ScheduleAllJobs()
	assert.Equal(t, uint64(1), num)

	assert.Equal(t, types.TaskStateRunning, h.taskState(1))
	bindings := h.sched.TaskBindings()
	require.Len(t, bindings, 1)

	puUUID := h.root.Children[0].Children[0].Desc.UUID
	assert.Equal(t, puUUID, bindings[1].String())
	runningOn, ok := h.exec.RunningOn(1)
	require.True(t, ok)
	assert.Equal(t, puUUID, runningOn)
}

func TestScheduleTwoTasksTwoPUs(t *testing.T) {
	h := newHarness(t, 2, 1)
	h.sched.SubmitJob(newJob(2, 1))

	num := h.sched.ScheduleAllJobs()
	assert.Equal(t, uint64(2), num)

	bindings := h.sched.TaskBindings()
	require.Len(t, bindings, 2)
	assert.NotEqual(t, bindings[1], bindings[2], "tasks must land on distinct PUs")
}

func TestScheduleIsStableAcrossIterations(t *testing.T) {
	h := newHarness(t, 2, 1)
	h.sched.SubmitJob(newJob(2, 1))
	require.Equal(t, uint64(2), h.sched.ScheduleAllJobs())
	before := h.sched.TaskBindings()

	// Nothing changed: the next iteration schedules nothing new and moves
	// nothing.
	assert.Equal(t, uint64(0), h.sched.ScheduleAllJobs())
	assert.Equal(t, before, h.sched.TaskBindings())
}

func TestMachineRemovalEvictsAndReschedules(t *testing.T) {
	h := newHarness(t, 3, 1)
	h.sched.SubmitJob(newJob(2, 1))
	require.Equal(t, uint64(2), h.sched.ScheduleAllJobs())

	// Find the machine hosting task 2.
	boundPU := h.sched.TaskBindings()[2]
	var victim *types.ResourceTopologyNode
	for _, machine := range h.root.Children {
		if machine.Children[0].Desc.UUID == boundPU.String() {
			victim = machine
		}
	}
	require.NotNil(t, victim)

	h.sched.DeregisterResource(types.MustResourceIDFromString(victim.Desc.UUID))

	// The task is back to runnable and unbound; two PUs remain.
	assert.Equal(t, types.TaskStateRunnable, h.taskState(2))
	_, bound := h.sched.TaskBindings()[2]
	assert.False(t, bound)
	assert.Len(t, h.sched.gm.LeafNodeIDs(), 2)

	// Re-running scheduling places the evicted task on a surviving PU.
	require.Equal(t, uint64(1), h.sched.ScheduleAllJobs())
	assert.Equal(t, types.TaskStateRunning, h.taskState(2))
	newPU := h.sched.TaskBindings()[2]
	assert.NotEqual(t, boundPU, newPU)
}

func TestInfeasibleTaskStaysUnscheduled(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.solver.skip[1] = true
	h.sched.SubmitJob(newJob(1, 1))

	num := h.sched.ScheduleAllJobs()
	assert.Equal(t, uint64(0), num)
	assert.Equal(t, types.TaskStateRunnable, h.taskState(1))

	// The task node is still in the graph, typed unscheduled.
	g := h.sched.gm.ChangeManager().Graph()
	found := false
	for _, n := range g.Nodes() {
		if n.IsTaskNode() {
			found = true
			assert.Equal(t, flowgraph.NodeTypeUnscheduledTask, n.Type)
		}
	}
	assert.True(t, found)
}

func TestForcedMigration(t *testing.T) {
	h := newHarness(t, 3, 1)
	h.sched.SubmitJob(newJob(1, 1))
	require.Equal(t, uint64(1), h.sched.ScheduleAllJobs())
	oldPU := h.sched.TaskBindings()[1]

	// Force the solver to move task 1 to a different PU on the next round;
	// a second job's runnable task triggers that round.
	var otherLeaf flowgraph.NodeID
	g := h.sched.gm.ChangeManager().Graph()
	for id := range h.sched.gm.LeafNodeIDs() {
		if g.Node(id).ResourceDesc.UUID != oldPU.String() && otherLeaf == 0 {
			otherLeaf = id
		}
	}
	require.NotZero(t, otherLeaf)
	h.solver.force[1] = otherLeaf
	h.sched.SubmitJob(newJob(1, 2))

	num := h.sched.ScheduleAllJobs()
	assert.Equal(t, uint64(2), num, "one placement plus one migration")

	newPU := h.sched.TaskBindings()[1]
	assert.NotEqual(t, oldPU, newPU)
	assert.Equal(t, g.Node(otherLeaf).ResourceDesc.UUID, newPU.String())
	assert.Equal(t, types.TaskStateRunning, h.taskState(1))

	// The graph tracks the move: task 1's single outgoing arc targets the
	// new PU.
	for _, n := range g.Nodes() {
		if n.IsTaskNode() && n.Task.UID == 1 {
			require.Len(t, n.OutgoingArcs(), 1)
			assert.Equal(t, otherLeaf, n.OutgoingArcs()[0].Dst)
		}
	}
}

func TestTaskCompletionRetiresJob(t *testing.T) {
	h := newHarness(t, 1, 1)
	jd := newJob(1, 1)
	h.sched.SubmitJob(jd)
	require.Equal(t, uint64(1), h.sched.ScheduleAllJobs())

	td := h.sched.taskMap.FindPtrOrNil(1)
	td.TotalRunTime = 5000
	h.sched.HandleTaskCompletion(td)

	assert.Equal(t, types.TaskStateCompleted, td.State)
	assert.Equal(t, types.JobStateCompleted, jd.State)
	assert.Empty(t, h.sched.TaskBindings())

	// Scheduling again is a no-op: the job is gone from the queue.
	assert.Equal(t, uint64(0), h.sched.ScheduleAllJobs())
}

func TestKillRunningTask(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.sched.SubmitJob(newJob(1, 1))
	require.Equal(t, uint64(1), h.sched.ScheduleAllJobs())

	h.sched.KillRunningTask(1, executor.KillReasonUser)

	assert.Equal(t, types.TaskStateAborted, h.taskState(1))
	assert.Empty(t, h.sched.TaskBindings())
	_, running := h.exec.RunningOn(1)
	assert.False(t, running)
}

func TestTaskFailureRemovesNode(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.sched.SubmitJob(newJob(1, 1))
	require.Equal(t, uint64(1), h.sched.ScheduleAllJobs())

	td := h.sched.taskMap.FindPtrOrNil(1)
	h.sched.HandleTaskFailure(td)

	assert.Equal(t, types.TaskStateFailed, td.State)
	g := h.sched.gm.ChangeManager().Graph()
	for _, n := range g.Nodes() {
		assert.False(t, n.IsTaskNode())
	}
}
