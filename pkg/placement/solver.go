package placement

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/pkg/dimacs"
	"github.com/quarrylabs/quarry/pkg/flowgraph"
	"github.com/quarrylabs/quarry/pkg/flowmanager"
	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/types"
)

// Solver produces task-to-PU assignments for the current graph.
type Solver interface {
	// Solve runs one solver iteration and returns the assignment.
	Solve() (flowmanager.TaskMapping, error)
	// SeqNum is the count of completed solver invocations.
	SeqNum() uint64
}

// Config locates and parameterizes the external solver binary.
type Config struct {
	// Binary is the path to the min-cost flow solver executable.
	Binary string
	// Algorithm selects the solver's algorithm.
	Algorithm string
	// ExtraArgs are appended verbatim.
	ExtraArgs []string
}

// DefaultConfig matches the bundled flowlessly build.
var DefaultConfig = Config{
	Binary:    "bin/flowlessly/flow_scheduler",
	Algorithm: "successive_shortest_path",
}

// Dispatcher drives the external solver process: it streams the graph (full
// on the first run, incremental afterwards) to the solver's stdin and reads
// assignments from its stdout. The process is kept alive across iterations.
//
// The scheduling driver serializes Solve calls under the scheduling lock;
// at most one invocation is ever in flight.
type Dispatcher struct {
	cfg    Config
	gm     flowmanager.GraphManager
	logger zerolog.Logger

	seqNum        uint64
	started       bool
	sentFullGraph bool
	cmd           *exec.Cmd
	// toSolver and fromSolver are also the test seam: NewWithStreams wires
	// them to canned buffers instead of a process.
	toSolver   io.Writer
	fromSolver *bufio.Scanner
	writeErr   chan error
}

var _ Solver = (*Dispatcher)(nil)

// New builds a dispatcher that will launch the configured solver binary on
// the first Solve call.
func New(cfg Config, gm flowmanager.GraphManager) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		gm:       gm,
		logger:   log.WithComponent("placement"),
		writeErr: make(chan error, 1),
	}
}

// NewWithStreams builds a dispatcher over explicit streams instead of a
// child process. Used by tests and by in-process solver embeddings.
func NewWithStreams(gm flowmanager.GraphManager, to io.Writer, from io.Reader) *Dispatcher {
	return &Dispatcher{
		gm:         gm,
		logger:     log.WithComponent("placement"),
		started:    true,
		toSolver:   to,
		fromSolver: bufio.NewScanner(from),
		writeErr:   make(chan error, 1),
	}
}

func (d *Dispatcher) SeqNum() uint64 { return d.seqNum }

// Solve exports the graph, waits for the solver's assignment and parses it.
// Export and read run concurrently: the solver may start emitting output
// (or warnings) before it has consumed the whole graph, and blocking on a
// full pipe in either direction would deadlock.
func (d *Dispatcher) Solve() (flowmanager.TaskMapping, error) {
	if !d.started {
		if err := d.startSolver(); err != nil {
			return nil, err
		}
	}
	full := !d.sentFullGraph
	d.sentFullGraph = true
	if !full {
		// Costs that grow with wait time must be refreshed before we ask
		// for a new assignment.
		d.gm.UpdateAllCostsToUnscheduledAggs()
	}

	go func() {
		var err error
		if full {
			err = dimacs.Export(d.gm.ChangeManager().Graph(), d.toSolver)
		} else {
			err = dimacs.ExportIncremental(d.gm.ChangeManager().GetGraphChanges(), d.toSolver)
		}
		d.gm.ChangeManager().ResetChanges()
		d.writeErr <- err
	}()

	extracted, err := d.readFlowGraph()
	if werr := <-d.writeErr; werr != nil && err == nil {
		err = fmt.Errorf("placement: writing graph to solver: %w", werr)
	}
	if err != nil {
		return nil, err
	}

	d.seqNum++
	return d.parseFlowToMapping(extracted), nil
}

func (d *Dispatcher) startSolver() error {
	args := []string{
		"--graph_has_node_types=true",
		fmt.Sprintf("--algorithm=%s", d.cfg.Algorithm),
		"--print_assignments=false",
	}
	args = append(args, d.cfg.ExtraArgs...)

	cmd := exec.Command(d.cfg.Binary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("placement: solver stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("placement: solver stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("placement: starting solver %s: %w", d.cfg.Binary, err)
	}
	d.cmd = cmd
	d.toSolver = stdin
	d.fromSolver = bufio.NewScanner(stdout)
	d.started = true
	d.logger.Info().Str("binary", d.cfg.Binary).Str("algorithm", d.cfg.Algorithm).
		Msg("solver process started")
	return nil
}

// Stop terminates the solver process, if one was started.
func (d *Dispatcher) Stop() {
	if d.cmd != nil && d.cmd.Process != nil {
		if c, ok := d.toSolver.(io.Closer); ok {
			c.Close()
		}
		_ = d.cmd.Process.Kill()
		_ = d.cmd.Wait()
	}
}

// flowAdjacency maps dst -> src -> flow for every positive-flow arc the
// solver reported.
type flowAdjacency map[flowgraph.NodeID]map[flowgraph.NodeID]uint64

// readFlowGraph consumes one iteration's worth of solver output: f-lines
// carrying flows, comment lines, and the terminating "c EOI".
func (d *Dispatcher) readFlowGraph() (flowAdjacency, error) {
	adj := make(flowAdjacency)
	for d.fromSolver.Scan() {
		line := d.fromSolver.Text()
		if line == "" {
			continue
		}
		switch line[0] {
		case 'f':
			var src, dst, flow uint64
			if _, err := fmt.Sscanf(line, "f %d %d %d", &src, &dst, &flow); err != nil {
				return nil, fmt.Errorf("placement: bad flow line %q: %w", line, err)
			}
			if flow > 0 {
				srcs := adj[flowgraph.NodeID(dst)]
				if srcs == nil {
					srcs = make(map[flowgraph.NodeID]uint64)
					adj[flowgraph.NodeID(dst)] = srcs
				}
				srcs[flowgraph.NodeID(src)] += flow
			}
		case 'c':
			if strings.TrimSpace(line) == "c EOI" {
				return adj, nil
			}
			// Other comments carry solver timings; ignored here.
		case 's':
			// Total cost line; the mapping is all we need.
		default:
			return nil, fmt.Errorf("placement: unexpected solver line %q", line)
		}
	}
	if err := d.fromSolver.Err(); err != nil {
		return nil, fmt.Errorf("placement: reading solver output: %w", err)
	}
	return nil, fmt.Errorf("placement: solver output ended without EOI")
}

// parseFlowToMapping walks the extracted flows backwards from the sink,
// assigning each unit of PU flow to the task node it originated from.
func (d *Dispatcher) parseFlowToMapping(adj flowAdjacency) flowmanager.TaskMapping {
	mapping := flowmanager.TaskMapping{}
	graph := d.gm.ChangeManager().Graph()
	sink := d.gm.SinkNode()

	// puIDs accumulates, per node, the PUs whose flow passes through it.
	puIDs := make(map[flowgraph.NodeID][]flowgraph.NodeID)
	visited := make(map[flowgraph.NodeID]bool)
	toVisit := make([]flowgraph.NodeID, 0)

	for leafID := range d.gm.LeafNodeIDs() {
		visited[leafID] = true
		flow := adj[sink.ID][leafID]
		for i := uint64(0); i < flow; i++ {
			puIDs[leafID] = append(puIDs[leafID], leafID)
		}
		if flow > 0 {
			toVisit = append(toVisit, leafID)
		}
	}

	for len(toVisit) > 0 {
		nodeID := toVisit[0]
		toVisit = toVisit[1:]

		node := graph.Node(nodeID)
		if node != nil && node.IsTaskNode() {
			for _, puID := range puIDs[nodeID] {
				mapping.Insert(nodeID, puID)
			}
			continue
		}

		// Hand this node's PUs to its inflow sources, one per unit of flow.
		i := 0
		pus := puIDs[nodeID]
		for srcID, flow := range adj[nodeID] {
			for ; flow > 0 && i < len(pus); flow-- {
				puIDs[srcID] = append(puIDs[srcID], pus[i])
				i++
			}
			if !visited[srcID] {
				visited[srcID] = true
				toVisit = append(toVisit, srcID)
			}
			if i == len(pus) {
				break
			}
		}
	}
	return mapping
}

// NodeBindingToSchedulingDelta classifies one solver binding against the
// driver's current bindings. It delegates to the graph manager, which owns
// the node table.
func (d *Dispatcher) NodeBindingToSchedulingDelta(taskNodeID, puNodeID flowgraph.NodeID,
	taskBindings map[types.TaskID]types.ResourceID) *types.SchedulingDelta {
	return d.gm.NodeBindingToSchedulingDelta(taskNodeID, puNodeID, taskBindings)
}
