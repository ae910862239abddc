/*
Package dimacs speaks the solver's wire format, a DIMACS min-cost-flow
dialect with node kind annotations.

A full export looks like:

	p min NODES ARCS
	n ID SUPPLY KIND
	a SRC DST LOW CAP COST TYPE
	c EOI

Incremental exports reuse the n/a lines and add r (remove node) and
x (update arc) lines, making the incremental stream a strict superset of
the full-graph grammar: a fresh solver fed the concatenation of both sees
the same network.

The package also accumulates per-iteration change statistics, which the
trace emitter records in its scheduler_events stream.
*/
package dimacs
