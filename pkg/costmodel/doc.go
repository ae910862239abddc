/*
Package costmodel defines the pluggable contract mapping (task, target)
pairs to flow arc costs, and the nine concrete models selectable from the
flag surface: Trivial, Random, SJF, Quincy, Whare, Coco, Octopus, Void and
SimulatedQuincy.

A model never fails a query; where it has no information it fabricates a
conservative default. Costs are bounded by MaxCost. The flow graph manager
drives the lifecycle hooks and the topology statistics passes; the model
only reads the graph and the driver-owned registries.
*/
package costmodel
