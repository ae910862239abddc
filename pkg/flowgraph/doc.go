/*
Package flowgraph implements the min-cost flow network underlying the
scheduler: typed nodes (tasks, aggregators, resources, sink), directed arcs
with capacity bounds and integer costs, and supply bookkeeping.

Node ids are stable for the lifetime of a node and reused FIFO after
removal. Iteration over a node's outgoing arcs follows insertion order and
is stable between mutations, which the graph manager and the DIMACS
exporter rely on.
*/
package flowgraph
