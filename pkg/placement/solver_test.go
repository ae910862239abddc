package placement

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/costmodel"
	"github.com/quarrylabs/quarry/pkg/dimacs"
	"github.com/quarrylabs/quarry/pkg/flowgraph"
	"github.com/quarrylabs/quarry/pkg/flowmanager"
	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init("error", true, nil)
	os.Exit(m.Run())
}

type solverFixture struct {
	gm       flowmanager.GraphManager
	taskMap  *types.TaskMap
	jobs     []*types.JobDescriptor
	machines []*types.ResourceTopologyNode
}

func newSolverFixture(t *testing.T, numMachines, numTasks int) *solverFixture {
	t.Helper()
	f := &solverFixture{taskMap: types.NewTaskMap()}
	resourceMap := types.NewResourceMap()
	leaves := make(map[types.ResourceID]struct{})
	model, err := costmodel.New(costmodel.ModelTrivial, costmodel.Params{
		ResourceMap:     resourceMap,
		TaskMap:         f.taskMap,
		JobMap:          types.NewJobMap(),
		LeafResourceIDs: leaves,
		Stats:           costmodel.NewRuntimeStats(func() uint64 { return 0 }),
		MaxTasksPerPU:   1,
	})
	require.NoError(t, err)
	f.gm = flowmanager.New(flowmanager.Config{
		CostModel:       model,
		LeafResourceIDs: leaves,
		Stats:           &dimacs.ChangeStats{},
		MaxTasksPerPU:   1,
	})

	clusterID := uuid.New().String()
	root := &types.ResourceTopologyNode{
		Desc: &types.ResourceDescriptor{UUID: clusterID, Type: types.ResourceCluster},
	}
	for i := 0; i < numMachines; i++ {
		machineID := uuid.New().String()
		machine := &types.ResourceTopologyNode{
			Desc:     &types.ResourceDescriptor{UUID: machineID, Type: types.ResourceMachine},
			ParentID: clusterID,
			Children: []*types.ResourceTopologyNode{{
				Desc:     &types.ResourceDescriptor{UUID: uuid.New().String(), Type: types.ResourcePU},
				ParentID: machineID,
			}},
		}
		root.Children = append(root.Children, machine)
		f.machines = append(f.machines, machine)
	}
	root.Visit(func(n *types.ResourceTopologyNode) { resourceMap.InsertIfNotPresent(n.Desc) })
	f.gm.AddResourceTopology(root)

	jd := &types.JobDescriptor{UUID: uuid.New().String(), Name: "job"}
	jd.RootTask = &types.TaskDescriptor{
		UID: 1, Name: "t0", JobID: jd.UUID, State: types.TaskStateRunnable,
	}
	f.taskMap.InsertIfNotPresent(jd.RootTask)
	for i := 1; i < numTasks; i++ {
		td := &types.TaskDescriptor{
			UID: types.TaskID(i + 1), Name: fmt.Sprintf("t%d", i),
			JobID: jd.UUID, State: types.TaskStateRunnable,
		}
		jd.RootTask.Spawned = append(jd.RootTask.Spawned, td)
		f.taskMap.InsertIfNotPresent(td)
	}
	f.jobs = []*types.JobDescriptor{jd}
	f.gm.AddOrUpdateJobNodes(f.jobs)
	return f
}

// taskNodes returns task node ids keyed by task id.
func (f *solverFixture) taskNodes() map[types.TaskID]flowgraph.NodeID {
	out := make(map[types.TaskID]flowgraph.NodeID)
	for id, n := range f.gm.ChangeManager().Graph().Nodes() {
		if n.IsTaskNode() {
			out[n.Task.UID] = id
		}
	}
	return out
}

// cannedAssignment renders solver output that routes each task through the
// cluster EC and a distinct machine to a distinct PU.
func (f *solverFixture) cannedAssignment(t *testing.T) string {
	t.Helper()
	g := f.gm.ChangeManager().Graph()
	sink := f.gm.SinkNode()

	var b strings.Builder
	taskIDs := f.taskNodes()
	i := 0
	for _, taskNodeID := range taskIDs {
		machine := f.machines[i]
		pu := machine.Children[0]
		puNode := nodeForResource(g, pu.Desc.UUID)
		machineNode := nodeForResource(g, machine.Desc.UUID)

		// Task -> EC (the task's only EC arc), EC -> machine -> PU -> sink.
		taskNode := g.Node(taskNodeID)
		var ecNodeID flowgraph.NodeID
		for _, arc := range taskNode.OutgoingArcs() {
			if arc.DstNode.IsEquivClassNode() {
				ecNodeID = arc.Dst
			}
		}
		require.NotZero(t, ecNodeID)
		fmt.Fprintf(&b, "f %d %d 1\n", taskNodeID, ecNodeID)
		fmt.Fprintf(&b, "f %d %d 1\n", ecNodeID, machineNode.ID)
		fmt.Fprintf(&b, "f %d %d 1\n", machineNode.ID, puNode.ID)
		fmt.Fprintf(&b, "f %d %d 1\n", puNode.ID, sink.ID)
		i++
	}
	b.WriteString("c ALGORITHM TIME 42\n")
	b.WriteString("c EOI\n")
	return b.String()
}

func nodeForResource(g *flowgraph.Graph, resUUID string) *flowgraph.Node {
	for _, n := range g.Nodes() {
		if n.ResourceDesc != nil && n.ResourceDesc.UUID == resUUID {
			return n
		}
	}
	return nil
}

func TestSolveParsesAssignment(t *testing.T) {
	f := newSolverFixture(t, 2, 2)
	var graphOut bytes.Buffer
	d := NewWithStreams(f.gm, &graphOut, strings.NewReader(f.cannedAssignment(t)))

	mapping, err := d.Solve()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), d.SeqNum())

	// Every task maps to exactly one PU, and the PUs are distinct.
	require.Len(t, mapping, 2)
	seen := make(map[flowgraph.NodeID]bool)
	for taskNodeID, pus := range mapping {
		require.Len(t, pus, 1)
		assert.True(t, f.gm.ChangeManager().Graph().Node(taskNodeID).IsTaskNode())
		for pu := range pus {
			assert.False(t, seen[pu], "PU %d assigned twice", pu)
			seen[pu] = true
			_, isLeaf := f.gm.LeafNodeIDs()[pu]
			assert.True(t, isLeaf)
		}
	}

	// The exported graph is valid DIMACS.
	parsed, err := dimacs.Parse(&graphOut)
	require.NoError(t, err)
	assert.Equal(t, f.gm.ChangeManager().Graph().NumNodes(), parsed.NumNodes)
}

func TestSolveBindingToDeltas(t *testing.T) {
	f := newSolverFixture(t, 2, 2)
	d := NewWithStreams(f.gm, &bytes.Buffer{}, strings.NewReader(f.cannedAssignment(t)))

	mapping, err := d.Solve()
	require.NoError(t, err)

	bindings := make(map[types.TaskID]types.ResourceID)
	for taskNodeID, pus := range mapping {
		for pu := range pus {
			delta := d.NodeBindingToSchedulingDelta(taskNodeID, pu, bindings)
			require.NotNil(t, delta)
			assert.Equal(t, types.DeltaPlace, delta.Kind)
		}
	}
}

func TestSolveRejectsGarbage(t *testing.T) {
	f := newSolverFixture(t, 1, 1)
	d := NewWithStreams(f.gm, &bytes.Buffer{}, strings.NewReader("bogus line\n"))

	_, err := d.Solve()
	assert.Error(t, err)
}

func TestSolveTruncatedOutput(t *testing.T) {
	f := newSolverFixture(t, 1, 1)
	d := NewWithStreams(f.gm, &bytes.Buffer{}, strings.NewReader("f 1 2 1\n"))

	_, err := d.Solve()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EOI")
}
