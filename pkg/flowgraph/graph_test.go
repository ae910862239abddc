package flowgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddNodeAssignsMonotonicIDs(t *testing.T) {
	g := New()
	n1 := g.AddNode()
	n2 := g.AddNode()
	n3 := g.AddNode()

	assert.Equal(t, NodeID(1), n1.ID)
	assert.Equal(t, NodeID(2), n2.ID)
	assert.Equal(t, NodeID(3), n3.ID)
	assert.Equal(t, 3, g.NumNodes())
}

func TestDeleteNodeReusesIDsFIFO(t *testing.T) {
	g := New()
	n1 := g.AddNode()
	n2 := g.AddNode()
	g.AddNode()

	g.DeleteNode(n1)
	g.DeleteNode(n2)

	// Freed ids come back in the order they were released.
	assert.Equal(t, NodeID(1), g.AddNode().ID)
	assert.Equal(t, NodeID(2), g.AddNode().ID)
	assert.Equal(t, NodeID(4), g.AddNode().ID)
}

func TestDeleteNodeRemovesIncidentArcs(t *testing.T) {
	g := New()
	a := g.AddNode()
	b := g.AddNode()
	c := g.AddNode()
	g.AddArc(a, b)
	g.AddArc(b, c)
	g.AddArc(c, a)
	require.Equal(t, 3, g.NumArcs())

	g.DeleteNode(b)

	assert.Equal(t, 1, g.NumArcs())
	assert.Nil(t, g.Node(b.ID))
	assert.Empty(t, a.OutgoingArcs())
	assert.Len(t, c.OutgoingArcs(), 1)
}

func TestOutgoingArcsStableOrder(t *testing.T) {
	g := New()
	src := g.AddNode()
	dsts := []*Node{g.AddNode(), g.AddNode(), g.AddNode(), g.AddNode()}
	for _, d := range dsts {
		g.AddArc(src, d)
	}

	want := []NodeID{dsts[0].ID, dsts[1].ID, dsts[2].ID, dsts[3].ID}
	got := make([]NodeID, 0, 4)
	for _, arc := range src.OutgoingArcs() {
		got = append(got, arc.Dst)
	}
	assert.Equal(t, want, got)

	// Removing a middle arc preserves the relative order of the rest.
	g.DeleteArc(g.GetArc(src, dsts[1]))
	got = got[:0]
	for _, arc := range src.OutgoingArcs() {
		got = append(got, arc.Dst)
	}
	assert.Equal(t, []NodeID{dsts[0].ID, dsts[2].ID, dsts[3].ID}, got)
}

func TestDuplicateArcPanics(t *testing.T) {
	g := New()
	a := g.AddNode()
	b := g.AddNode()
	g.AddArc(a, b)

	assert.Panics(t, func() { g.AddArc(a, b) })
}

func TestGetArc(t *testing.T) {
	g := New()
	a := g.AddNode()
	b := g.AddNode()
	assert.Nil(t, g.GetArc(a, b))

	arc := g.AddArc(a, b)
	arc.Cost = 7
	got := g.GetArc(a, b)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.Cost)
	// Reverse direction is a distinct arc slot.
	assert.Nil(t, g.GetArc(b, a))
}
