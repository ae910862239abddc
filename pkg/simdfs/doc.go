/*
Package simdfs simulates a replicated distributed filesystem: machines in
racks, files with block counts drawn from a configurable distribution, and
rack-aware replica placement. The SimulatedQuincy cost model samples task
input sets from it to compute data-locality costs.
*/
package simdfs
