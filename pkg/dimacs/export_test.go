package dimacs

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/flowgraph"
)

func buildTestGraph() *flowgraph.Graph {
	g := flowgraph.New()
	sink := g.AddNode()
	sink.Type = flowgraph.NodeTypeSink
	sink.Excess = -2
	sink.Comment = "SINK"

	task1 := g.AddNode()
	task1.Type = flowgraph.NodeTypeUnscheduledTask
	task1.Excess = 1
	task2 := g.AddNode()
	task2.Type = flowgraph.NodeTypeUnscheduledTask
	task2.Excess = 1

	agg := g.AddNode()
	agg.Type = flowgraph.NodeTypeJobAggregator
	pu := g.AddNode()
	pu.Type = flowgraph.NodeTypePU

	for _, e := range []struct {
		src, dst *flowgraph.Node
		cap      uint64
		cost     int64
	}{
		{task1, agg, 1, 50},
		{task2, agg, 1, 50},
		{task1, pu, 1, 3},
		{agg, sink, 2, 0},
		{pu, sink, 1, 0},
	} {
		arc := g.AddArc(e.src, e.dst)
		arc.CapUpperBound = e.cap
		arc.Cost = e.cost
		arc.Type = flowgraph.ArcTypeOther
	}
	return g
}

func TestExportParseRoundTrip(t *testing.T) {
	g := buildTestGraph()

	var buf bytes.Buffer
	require.NoError(t, Export(g, &buf))

	parsed, err := Parse(&buf)
	require.NoError(t, err)

	assert.Equal(t, g.NumNodes(), parsed.NumNodes)
	assert.Equal(t, g.NumArcs(), parsed.NumArcs)
	assert.Len(t, parsed.Nodes, g.NumNodes())
	assert.Len(t, parsed.Arcs, g.NumArcs())

	for _, pn := range parsed.Nodes {
		n := g.Node(pn.ID)
		require.NotNil(t, n)
		assert.Equal(t, n.Excess, pn.Excess)
		assert.Equal(t, KindForNodeType(n.Type), pn.Kind)
	}
	for _, pa := range parsed.Arcs {
		arc := g.GetArc(g.Node(pa.Src), g.Node(pa.Dst))
		require.NotNil(t, arc)
		assert.Equal(t, arc.CapLowerBound, pa.CapLowerBound)
		assert.Equal(t, arc.CapUpperBound, pa.CapUpperBound)
		assert.Equal(t, arc.Cost, pa.Cost)
	}
}

func TestExportDeterministic(t *testing.T) {
	g := buildTestGraph()

	var a, b bytes.Buffer
	require.NoError(t, Export(g, &a))
	require.NoError(t, Export(g, &b))
	if diff := cmp.Diff(a.String(), b.String()); diff != "" {
		t.Errorf("exports differ (-first +second):\n%s", diff)
	}
}

func TestExportIncrementalSupersetGrammar(t *testing.T) {
	g := buildTestGraph()
	n := g.AddNode()
	n.Type = flowgraph.NodeTypeUnscheduledTask
	n.Excess = 1
	arc := g.AddArc(n, g.Node(4))
	arc.CapUpperBound = 1
	arc.Cost = 9
	arc.Type = flowgraph.ArcTypeOther

	changes := []Change{
		NewAddNodeChange(n),
		NewCreateArcChange(arc),
		NewUpdateArcChange(arc, 9),
		&RemoveNodeChange{ID: n.ID},
	}

	var buf bytes.Buffer
	require.NoError(t, ExportIncremental(changes, &buf))
	out := buf.String()
	assert.Contains(t, out, "n 6 1 2\n")
	assert.Contains(t, out, "a 6 4 0 1 9 1\n")
	assert.Contains(t, out, "x 6 4 0 1 9 1 9\n")
	assert.Contains(t, out, "r 6\n")
	assert.Contains(t, out, "c EOI\n")
}

func TestChangeStatsCounts(t *testing.T) {
	var cs ChangeStats
	cs.UpdateStats(AddTaskNode)
	cs.UpdateStats(AddArcTaskToRes)
	cs.UpdateStats(AddArcTaskToRes)
	cs.UpdateStats(DelTaskNode)
	cs.UpdateStats(ChgArcToUnsched)

	assert.Equal(t, uint64(1), cs.NodesAdded)
	assert.Equal(t, uint64(2), cs.ArcsAdded)
	assert.Equal(t, uint64(1), cs.NodesRemoved)
	assert.Equal(t, uint64(1), cs.ArcsChanged)
	assert.Equal(t, uint64(2), cs.PerType[AddArcTaskToRes])

	cs.Reset()
	assert.Equal(t, uint64(0), cs.NodesAdded)
	assert.Equal(t, uint64(0), cs.PerType[AddArcTaskToRes])
}
