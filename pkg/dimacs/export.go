package dimacs

import (
	"fmt"
	"io"
	"sort"

	"github.com/quarrylabs/quarry/pkg/flowgraph"
)

// Export writes the whole graph in the solver's DIMACS dialect. Nodes and
// arcs are emitted in ascending node-id order so repeated exports of the
// same graph are byte-identical.
func Export(g *flowgraph.Graph, w io.Writer) error {
	if _, err := fmt.Fprintf(w, "p min %d %d\n", g.NumNodes(), g.NumArcs()); err != nil {
		return err
	}

	ids := make([]flowgraph.NodeID, 0, g.NumNodes())
	for id := range g.Nodes() {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := exportNode(g.Node(id), w); err != nil {
			return err
		}
	}
	for _, id := range ids {
		for _, arc := range g.Node(id).OutgoingArcs() {
			if err := exportArc(arc, w); err != nil {
				return err
			}
		}
	}

	// End of iteration marker.
	_, err := fmt.Fprintf(w, "c EOI\n")
	return err
}

// ExportIncremental writes the change stream accumulated since the previous
// export. The line vocabulary is a strict superset of the full-graph format.
func ExportIncremental(changes []Change, w io.Writer) error {
	for _, change := range changes {
		if _, err := io.WriteString(w, change.GenerateChange()); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "c EOI\n")
	return err
}

func exportNode(n *flowgraph.Node, w io.Writer) error {
	switch {
	case n.ResourceDesc != nil:
		fmt.Fprintf(w, "c nd Res_%s %s\n", n.ResourceDesc.UUID, n.ResourceDesc.Type)
	case n.Task != nil:
		fmt.Fprintf(w, "c nd Task_%d\n", n.Task.UID)
	case n.EquivClass != nil:
		fmt.Fprintf(w, "c nd EC_%d\n", *n.EquivClass)
	case n.Comment != "":
		fmt.Fprintf(w, "c nd %s\n", n.Comment)
	}
	_, err := fmt.Fprintf(w, "n %d %d %d\n", n.ID, n.Excess, KindForNodeType(n.Type))
	return err
}

func exportArc(arc *flowgraph.Arc, w io.Writer) error {
	_, err := fmt.Fprintf(w, "a %d %d %d %d %d %d\n",
		arc.Src, arc.Dst, arc.CapLowerBound, arc.CapUpperBound, arc.Cost, arc.Type)
	return err
}
