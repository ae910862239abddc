package dimacs

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/quarrylabs/quarry/pkg/flowgraph"
)

// ParsedNode is a node line read back from a DIMACS stream.
type ParsedNode struct {
	ID     flowgraph.NodeID
	Excess int64
	Kind   NodeKind
}

// ParsedArc is an arc line read back from a DIMACS stream.
type ParsedArc struct {
	Src, Dst                     flowgraph.NodeID
	CapLowerBound, CapUpperBound uint64
	Cost                         int64
	Type                         flowgraph.ArcType
}

// ParsedGraph is the structural content of a DIMACS export: everything a
// fresh solver learns about the graph.
type ParsedGraph struct {
	NumNodes int
	NumArcs  int
	Nodes    []ParsedNode
	Arcs     []ParsedArc
}

// Parse reads a full-graph DIMACS stream up to and including the EOI marker.
// It is used by tests to verify the export round-trips, and mirrors the
// grammar the solver implements.
func Parse(r io.Reader) (*ParsedGraph, error) {
	pg := &ParsedGraph{}
	sawProblem := false
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		switch line[0] {
		case 'c':
			if strings.TrimSpace(line) == "c EOI" {
				if !sawProblem {
					return nil, fmt.Errorf("dimacs: EOI before problem line")
				}
				return pg, nil
			}
		case 'p':
			if _, err := fmt.Sscanf(line, "p min %d %d", &pg.NumNodes, &pg.NumArcs); err != nil {
				return nil, fmt.Errorf("dimacs: bad problem line %q: %w", line, err)
			}
			sawProblem = true
		case 'n':
			var pn ParsedNode
			if _, err := fmt.Sscanf(line, "n %d %d %d", &pn.ID, &pn.Excess, &pn.Kind); err != nil {
				return nil, fmt.Errorf("dimacs: bad node line %q: %w", line, err)
			}
			pg.Nodes = append(pg.Nodes, pn)
		case 'a':
			var pa ParsedArc
			if _, err := fmt.Sscanf(line, "a %d %d %d %d %d %d",
				&pa.Src, &pa.Dst, &pa.CapLowerBound, &pa.CapUpperBound, &pa.Cost, &pa.Type); err != nil {
				return nil, fmt.Errorf("dimacs: bad arc line %q: %w", line, err)
			}
			pg.Arcs = append(pg.Arcs, pa)
		default:
			return nil, fmt.Errorf("dimacs: unexpected line %q", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("dimacs: stream ended without EOI")
}
