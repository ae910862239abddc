package flowmanager

import (
	"bytes"
	"os"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/costmodel"
	"github.com/quarrylabs/quarry/pkg/dimacs"
	"github.com/quarrylabs/quarry/pkg/flowgraph"
	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init("error", true, nil)
	os.Exit(m.Run())
}

type fixture struct {
	gm          GraphManager
	model       costmodel.CostModel
	resourceMap *types.ResourceMap
	taskMap     *types.TaskMap
	jobMap      *types.JobMap
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		resourceMap: types.NewResourceMap(),
		taskMap:     types.NewTaskMap(),
		jobMap:      types.NewJobMap(),
	}
	leaves := make(map[types.ResourceID]struct{})
	model, err := costmodel.New(costmodel.ModelTrivial, costmodel.Params{
		ResourceMap:     f.resourceMap,
		TaskMap:         f.taskMap,
		JobMap:          f.jobMap,
		LeafResourceIDs: leaves,
		Stats:           costmodel.NewRuntimeStats(func() uint64 { return 0 }),
		MaxTasksPerPU:   1,
	})
	require.NoError(t, err)
	f.model = model
	f.gm = New(Config{
		CostModel:       model,
		LeafResourceIDs: leaves,
		Stats:           &dimacs.ChangeStats{},
		MaxTasksPerPU:   1,
	})
	return f
}

// machineTopology builds cluster -> machine -> PU subtrees with one PU per
// machine and registers the descriptors in the resource map.
func (f *fixture) machineTopology(t *testing.T, numMachines int) *types.ResourceTopologyNode {
	t.Helper()
	clusterID := uuid.New().String()
	root := &types.ResourceTopologyNode{
		Desc: &types.ResourceDescriptor{
			UUID:         clusterID,
			FriendlyName: "cluster0",
			Type:         types.ResourceCluster,
		},
	}
	for i := 0; i < numMachines; i++ {
		machineID := uuid.New().String()
		puID := uuid.New().String()
		machine := &types.ResourceTopologyNode{
			Desc: &types.ResourceDescriptor{
				UUID:         machineID,
				FriendlyName: "machine" + uuid.NewString()[:4],
				Type:         types.ResourceMachine,
			},
			ParentID: clusterID,
		}
		machine.Children = append(machine.Children, &types.ResourceTopologyNode{
			Desc: &types.ResourceDescriptor{
				UUID:        puID,
				Type:        types.ResourcePU,
				Schedulable: true,
			},
			ParentID: machineID,
		})
		root.Children = append(root.Children, machine)
	}
	root.Visit(func(n *types.ResourceTopologyNode) {
		f.resourceMap.InsertIfNotPresent(n.Desc)
	})
	return root
}

func (f *fixture) oneTaskJob(t *testing.T, taskID types.TaskID) *types.JobDescriptor {
	t.Helper()
	jd := &types.JobDescriptor{
		UUID:  uuid.New().String(),
		Name:  "job",
		State: JobStateForTest,
	}
	jd.RootTask = &types.TaskDescriptor{
		UID:   taskID,
		Name:  "task",
		JobID: jd.UUID,
		State: types.TaskStateRunnable,
	}
	f.jobMap.InsertIfNotPresent(jd)
	f.taskMap.InsertIfNotPresent(jd.RootTask)
	return jd
}

// JobStateForTest keeps fixtures terse.
const JobStateForTest = types.JobStateRunning

func puNodes(gm GraphManager) []*flowgraph.Node {
	g := gm.ChangeManager().Graph()
	var out []*flowgraph.Node
	for id := range gm.LeafNodeIDs() {
		out = append(out, g.Node(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func TestAddResourceTopologyBuildsGraph(t *testing.T) {
	f := newFixture(t)
	root := f.machineTopology(t, 2)
	f.gm.AddResourceTopology(root)

	g := f.gm.ChangeManager().Graph()
	// sink + cluster + 2 machines + 2 PUs
	assert.Equal(t, 6, g.NumNodes())
	assert.Len(t, f.gm.LeafNodeIDs(), 2)

	for _, pu := range puNodes(f.gm) {
		arcs := pu.OutgoingArcs()
		require.Len(t, arcs, 1)
		assert.Equal(t, f.gm.SinkNode().ID, arcs[0].Dst)
		assert.Equal(t, uint64(1), arcs[0].CapUpperBound)
	}
	// The cluster aggregates both machines' slots.
	assert.Equal(t, uint64(2), root.Desc.NumSlotsBelow)
}

func TestAddOrUpdateJobNodesWiresTask(t *testing.T) {
	f := newFixture(t)
	f.gm.AddResourceTopology(f.machineTopology(t, 2))
	jd := f.oneTaskJob(t, 1)

	f.gm.AddOrUpdateJobNodes([]*types.JobDescriptor{jd})

	g := f.gm.ChangeManager().Graph()
	var taskNode *flowgraph.Node
	for _, n := range g.Nodes() {
		if n.IsTaskNode() {
			require.Nil(t, taskNode, "exactly one task node expected")
			taskNode = n
		}
	}
	require.NotNil(t, taskNode)
	assert.Equal(t, flowgraph.NodeTypeUnscheduledTask, taskNode.Type)
	assert.Equal(t, int64(1), taskNode.Excess)

	// Arcs: one to the unscheduled aggregator, one to the cluster
	// aggregator EC.
	dstTypes := make(map[flowgraph.NodeType]int)
	for _, arc := range taskNode.OutgoingArcs() {
		dstTypes[arc.DstNode.Type]++
	}
	assert.Equal(t, 1, dstTypes[flowgraph.NodeTypeJobAggregator])
	assert.Equal(t, 1, dstTypes[flowgraph.NodeTypeEquivClass])

	// The cluster EC fans out to both machines.
	for _, n := range g.Nodes() {
		if n.IsEquivClassNode() {
			assert.Len(t, n.OutgoingArcs(), 2)
		}
	}
}

func TestAddOrUpdateJobNodesIdempotent(t *testing.T) {
	f := newFixture(t)
	f.gm.AddResourceTopology(f.machineTopology(t, 2))
	jd := f.oneTaskJob(t, 1)

	f.gm.AddOrUpdateJobNodes([]*types.JobDescriptor{jd})
	var first bytes.Buffer
	require.NoError(t, dimacs.Export(f.gm.ChangeManager().Graph(), &first))

	f.gm.AddOrUpdateJobNodes([]*types.JobDescriptor{jd})
	var second bytes.Buffer
	require.NoError(t, dimacs.Export(f.gm.ChangeManager().Graph(), &second))

	if diff := cmp.Diff(first.String(), second.String()); diff != "" {
		t.Errorf("graph changed on idempotent update (-first +second):\n%s", diff)
	}
}

// taskArcShape captures the observable shape of a task's outgoing arcs.
type taskArcShape struct {
	DstType flowgraph.NodeType
	DstID   flowgraph.NodeID
	Cost    int64
	Cap     uint64
}

func shapeOf(n *flowgraph.Node) []taskArcShape {
	out := make([]taskArcShape, 0, len(n.OutgoingArcs()))
	for _, arc := range n.OutgoingArcs() {
		out = append(out, taskArcShape{arc.DstNode.Type, arc.Dst, arc.Cost, arc.CapUpperBound})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DstID < out[j].DstID })
	return out
}

func TestTaskScheduledThenEvictedRestoresArcs(t *testing.T) {
	f := newFixture(t)
	f.gm.AddResourceTopology(f.machineTopology(t, 2))
	jd := f.oneTaskJob(t, 1)
	f.gm.AddOrUpdateJobNodes([]*types.JobDescriptor{jd})

	g := f.gm.ChangeManager().Graph()
	var taskNode *flowgraph.Node
	for _, n := range g.Nodes() {
		if n.IsTaskNode() {
			taskNode = n
		}
	}
	require.NotNil(t, taskNode)
	before := shapeOf(taskNode)

	pu := puNodes(f.gm)[0]
	f.gm.TaskScheduled(1, pu.ResourceID)

	// A scheduled task has exactly one outgoing arc, to its PU.
	assert.Equal(t, flowgraph.NodeTypeScheduledTask, taskNode.Type)
	arcs := taskNode.OutgoingArcs()
	require.Len(t, arcs, 1)
	assert.Equal(t, pu.ID, arcs[0].Dst)
	assert.Equal(t, flowgraph.ArcTypeRunning, arcs[0].Type)

	// Evicting and re-running the job update restores the original shape.
	jd.RootTask.State = types.TaskStateRunnable
	f.gm.TaskEvicted(1, pu.ResourceID)
	assert.Equal(t, flowgraph.NodeTypeUnscheduledTask, taskNode.Type)
	f.gm.AddOrUpdateJobNodes([]*types.JobDescriptor{jd})

	if diff := cmp.Diff(before, shapeOf(taskNode)); diff != "" {
		t.Errorf("arcs after eviction differ from fresh job nodes (-before +after):\n%s", diff)
	}
}

func TestTaskCompletedRemovesNode(t *testing.T) {
	f := newFixture(t)
	f.gm.AddResourceTopology(f.machineTopology(t, 1))
	jd := f.oneTaskJob(t, 1)
	f.gm.AddOrUpdateJobNodes([]*types.JobDescriptor{jd})

	sinkExcess := f.gm.SinkNode().Excess
	f.gm.TaskCompleted(1)

	g := f.gm.ChangeManager().Graph()
	for _, n := range g.Nodes() {
		assert.False(t, n.IsTaskNode(), "task node should be gone")
	}
	assert.Equal(t, sinkExcess+1, f.gm.SinkNode().Excess)
}

func TestRemoveResourceTopologyReturnsPUs(t *testing.T) {
	f := newFixture(t)
	root := f.machineTopology(t, 3)
	f.gm.AddResourceTopology(root)
	require.Len(t, f.gm.LeafNodeIDs(), 3)

	machine := root.Children[1]
	removed := f.gm.RemoveResourceTopology(machine.Desc)

	assert.Len(t, removed, 1)
	assert.Len(t, f.gm.LeafNodeIDs(), 2)
	g := f.gm.ChangeManager().Graph()
	// sink + cluster + 2 machines + 2 PUs
	assert.Equal(t, 6, g.NumNodes())
}

func TestJobCompletedDropsAggregator(t *testing.T) {
	f := newFixture(t)
	f.gm.AddResourceTopology(f.machineTopology(t, 1))
	jd := f.oneTaskJob(t, 1)
	f.gm.AddOrUpdateJobNodes([]*types.JobDescriptor{jd})
	f.gm.TaskCompleted(1)
	f.gm.JobCompleted(types.MustJobIDFromString(jd.UUID))

	g := f.gm.ChangeManager().Graph()
	for _, n := range g.Nodes() {
		assert.NotEqual(t, flowgraph.NodeTypeJobAggregator, n.Type)
	}
}

func TestPurgeUnconnectedEquivClassNodes(t *testing.T) {
	f := newFixture(t)
	f.gm.AddResourceTopology(f.machineTopology(t, 1))
	jd := f.oneTaskJob(t, 1)
	f.gm.AddOrUpdateJobNodes([]*types.JobDescriptor{jd})

	f.gm.TaskCompleted(1)
	f.gm.PurgeUnconnectedEquivClassNodes()

	g := f.gm.ChangeManager().Graph()
	for _, n := range g.Nodes() {
		assert.False(t, n.IsEquivClassNode(), "EC nodes should be purged")
	}
}

// countingModel wraps a cost model and counts statistics-pass visits.
type countingModel struct {
	costmodel.CostModel
	prepared map[flowgraph.NodeID]int
	gathered map[flowgraph.NodeID]int
	updated  map[flowgraph.NodeID]int
}

func (c *countingModel) PrepareStats(n *flowgraph.Node) {
	c.prepared[n.ID]++
	c.CostModel.PrepareStats(n)
}

func (c *countingModel) GatherStats(acc, other *flowgraph.Node) *flowgraph.Node {
	c.gathered[acc.ID]++
	return c.CostModel.GatherStats(acc, other)
}

func (c *countingModel) UpdateStats(acc, other *flowgraph.Node) *flowgraph.Node {
	c.updated[acc.ID]++
	return c.CostModel.UpdateStats(acc, other)
}

func TestComputeTopologyStatisticsVisitsOncePerPass(t *testing.T) {
	f := newFixture(t)
	counting := &countingModel{
		CostModel: f.model,
		prepared:  make(map[flowgraph.NodeID]int),
		gathered:  make(map[flowgraph.NodeID]int),
		updated:   make(map[flowgraph.NodeID]int),
	}
	leaves := make(map[types.ResourceID]struct{})
	gm := New(Config{
		CostModel:       counting,
		LeafResourceIDs: leaves,
		Stats:           &dimacs.ChangeStats{},
		MaxTasksPerPU:   1,
	})
	gm.AddResourceTopology(f.machineTopology(t, 3))

	gm.ComputeTopologyStatistics()

	// Every non-sink node is prepared exactly once per pass; gather and
	// update run once per tree edge, i.e. once per outgoing arc.
	g := gm.ChangeManager().Graph()
	for id, n := range g.Nodes() {
		if n.Type == flowgraph.NodeTypeSink {
			continue
		}
		assert.Equal(t, 1, counting.prepared[id], "prepare count for node %d", id)
		assert.Equal(t, len(n.OutgoingArcs()), counting.gathered[id], "gather count for node %d", id)
		assert.Equal(t, len(n.OutgoingArcs()), counting.updated[id], "update count for node %d", id)
	}

	// A second run visits everything exactly once again.
	gm.ComputeTopologyStatistics()
	for id, n := range g.Nodes() {
		if n.Type == flowgraph.NodeTypeSink {
			continue
		}
		assert.Equal(t, 2, counting.prepared[id])
	}
}
