package types

import (
	"fmt"

	"github.com/google/uuid"
)

// TaskID uniquely identifies a task across the cluster.
type TaskID uint64

// JobID is the UUID of a job.
type JobID uuid.UUID

// ResourceID is the UUID of a node in the resource topology.
type ResourceID uuid.UUID

// EquivClass is an integer tag grouping tasks or resources that a cost
// model treats identically.
type EquivClass uint64

func (j JobID) String() string      { return uuid.UUID(j).String() }
func (r ResourceID) String() string { return uuid.UUID(r).String() }

// JobIDFromString parses a job UUID.
func JobIDFromString(s string) (JobID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return JobID{}, fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return JobID(id), nil
}

// MustJobIDFromString parses a job UUID and panics on failure. Descriptor ids
// are produced by us, so a malformed one is a programming error.
func MustJobIDFromString(s string) JobID {
	id, err := JobIDFromString(s)
	if err != nil {
		panic(err)
	}
	return id
}

// ResourceIDFromString parses a resource UUID.
func ResourceIDFromString(s string) (ResourceID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ResourceID{}, fmt.Errorf("invalid resource id %q: %w", s, err)
	}
	return ResourceID(id), nil
}

// MustResourceIDFromString parses a resource UUID and panics on failure.
func MustResourceIDFromString(s string) ResourceID {
	id, err := ResourceIDFromString(s)
	if err != nil {
		panic(err)
	}
	return id
}

// TaskState is the lifecycle state of a task.
type TaskState int

const (
	TaskStateCreated TaskState = iota
	TaskStateRunnable
	TaskStateAssigned
	TaskStateRunning
	TaskStateCompleted
	TaskStateFailed
	TaskStateAborted
	TaskStateDelegated
)

func (s TaskState) String() string {
	switch s {
	case TaskStateCreated:
		return "created"
	case TaskStateRunnable:
		return "runnable"
	case TaskStateAssigned:
		return "assigned"
	case TaskStateRunning:
		return "running"
	case TaskStateCompleted:
		return "completed"
	case TaskStateFailed:
		return "failed"
	case TaskStateAborted:
		return "aborted"
	case TaskStateDelegated:
		return "delegated"
	}
	return "unknown"
}

// JobState is the lifecycle state of a job.
type JobState int

const (
	JobStateNew JobState = iota
	JobStateRunning
	JobStateCompleted
	JobStateFailed
	JobStateAborted
)

// TaskDescriptor describes a single task. Tasks form a tree rooted at the
// job's root task; children are spawned tasks.
type TaskDescriptor struct {
	UID   TaskID
	Name  string
	Index uint64
	JobID string
	State TaskState
	// Spawned holds child tasks of this task.
	Spawned []*TaskDescriptor
	// ScheduledToResource is the UUID of the PU the task is bound to, empty
	// if unbound.
	ScheduledToResource string
	// TotalRunTime accumulates observed runtime in microseconds, reported by
	// the executor on completion.
	TotalRunTime uint64
	// DelegatedFrom is set if this task was delegated from another scheduler.
	DelegatedFrom string
}

// JobDescriptor describes a job and owns its task tree.
type JobDescriptor struct {
	UUID     string
	Name     string
	Priority int32
	State    JobState
	RootTask *TaskDescriptor
}

// ResourceType is the level of a node in the resource topology tree.
type ResourceType int

const (
	ResourceCluster ResourceType = iota
	ResourceRack
	ResourceMachine
	ResourceSocket
	ResourceCore
	ResourcePU
)

func (t ResourceType) String() string {
	switch t {
	case ResourceCluster:
		return "cluster"
	case ResourceRack:
		return "rack"
	case ResourceMachine:
		return "machine"
	case ResourceSocket:
		return "socket"
	case ResourceCore:
		return "core"
	case ResourcePU:
		return "pu"
	}
	return "unknown"
}

// ResourceState is the scheduling state of a resource.
type ResourceState int

const (
	ResourceUnknown ResourceState = iota
	ResourceIdle
	ResourceBusy
	ResourceLost
)

// ResourceDescriptor describes a node in the resource topology.
type ResourceDescriptor struct {
	UUID         string
	FriendlyName string
	Type         ResourceType
	State        ResourceState
	Schedulable  bool
	// NumSlotsBelow and NumRunningTasksBelow are aggregates over the subtree
	// rooted at this resource, maintained by the flow graph manager.
	NumSlotsBelow        uint64
	NumRunningTasksBelow uint64
	// CurrentRunningTasks lists tasks currently bound to this resource; the
	// driver records bindings on PU descriptors only.
	CurrentRunningTasks []TaskID
}

// ResourceTopologyNode is a node of the resource topology tree as delivered
// by topology discovery.
type ResourceTopologyNode struct {
	Desc     *ResourceDescriptor
	ParentID string
	Children []*ResourceTopologyNode
}

// Visit walks the subtree rooted at n in depth-first order.
func (n *ResourceTopologyNode) Visit(fn func(*ResourceTopologyNode)) {
	fn(n)
	for _, c := range n.Children {
		c.Visit(fn)
	}
}

// DeltaKind tags a scheduling delta.
type DeltaKind int

const (
	DeltaNoOp DeltaKind = iota
	DeltaPlace
	DeltaPreempt
	DeltaMigrate
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaNoOp:
		return "noop"
	case DeltaPlace:
		return "place"
	case DeltaPreempt:
		return "preempt"
	case DeltaMigrate:
		return "migrate"
	}
	return "unknown"
}

// SchedulingDelta is the unit of change the driver applies to the cluster
// after a solver run.
type SchedulingDelta struct {
	Kind       DeltaKind
	TaskID     TaskID
	ResourceID string
	// OldResourceID is set for migrations: the PU the task is moving away from.
	OldResourceID string
	// Actioned is set once the delta has been applied to the cluster.
	Actioned bool
}
