/*
Package placement dispatches the flow graph to the external min-cost flow
solver and turns its answer back into task-to-PU assignments.

The solver is a black-box child process speaking the DIMACS dialect on
stdin/stdout. The first iteration streams the full graph; later iterations
stream only the accumulated changes, which the solver applies to its warm
state. The flow extraction walks the reported flows backwards from the
sink, so each unit of flow into a PU is attributed to exactly one task.
*/
package placement
