/*
Package scheduler is the flow scheduling driver: it owns the job, task and
resource registries, translates cluster events into flow graph mutations,
runs solver iterations and applies the resulting placement, preemption and
migration deltas through the executor.

All scheduling state is protected by one coarse mutex. Exported methods
take it at their outermost frame and call unexported ...Locked internals,
so the lock is never re-entered. The solver invocation is the only
long-held critical section; trace writes and executor calls happen inside
the lock but outside the solver call.
*/
package scheduler
