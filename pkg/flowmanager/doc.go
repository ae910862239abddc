/*
Package flowmanager maintains the scheduling flow network. The graph
manager owns all nodes and arcs exclusively: it builds the resource
topology, materializes task and equivalence class nodes from job
descriptors, keeps preference arcs in sync with the cost model, and walks
the topology to refresh statistics before solver runs.

Every mutation goes through the change manager, which records the
incremental DIMACS change stream the solver dispatcher sends between
scheduling rounds.

Task nodes move through a small state machine:

	(none) --AddOrUpdateJobNodes--> Unscheduled
	Unscheduled --TaskScheduled--> Scheduled
	Scheduled --TaskEvicted--> Unscheduled
	Scheduled --TaskMigrated--> Scheduled (different PU)
	any --TaskCompleted|TaskFailed|TaskKilled--> (removed)

The package performs no locking; the scheduling driver serializes access.
*/
package flowmanager
