/*
Package types defines the core identifiers, descriptors and registries shared
by the Quarry scheduler: task/job/resource ids, the task and job state
machines, the resource topology tree, scheduling deltas, and the
mutex-guarded TaskMap/JobMap/ResourceMap registries owned by the scheduling
driver.
*/
package types
