package executor

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/types"
)

// KillReason says why a running task is being stopped.
type KillReason string

const (
	KillReasonPreempted KillReason = "preempted"
	KillReasonAborted   KillReason = "aborted"
	KillReasonUser      KillReason = "user_requested"
)

// Executor is the driver's view of the subsystem that actually launches and
// kills tasks on nodes. The real executor lives outside this module; the
// simulated implementation below backs tests and simulation runs.
type Executor interface {
	// PlaceTask starts the task on the given PU.
	PlaceTask(td *types.TaskDescriptor, rd *types.ResourceDescriptor) error
	// KillTask stops a running task. The task is not marked failed; the
	// driver decides its next state from the reason.
	KillTask(td *types.TaskDescriptor, reason KillReason) error
	// MigrateTask moves a running task between PUs.
	MigrateTask(td *types.TaskDescriptor, from, to *types.ResourceDescriptor) error
	// InitializeResource prepares a newly registered resource.
	InitializeResource(rd *types.ResourceDescriptor, local, simulated bool) error
	// TeardownResource releases a deregistered resource.
	TeardownResource(rd *types.ResourceDescriptor) error
}

// Simulated is an in-process executor: every operation succeeds and is
// recorded, so tests and simulation runs can observe the action stream.
type Simulated struct {
	mu     sync.Mutex
	logger zerolog.Logger
	// running maps task id to the PU UUID it occupies.
	running map[types.TaskID]string
}

var _ Executor = (*Simulated)(nil)

// NewSimulated builds an empty simulated executor.
func NewSimulated() *Simulated {
	return &Simulated{
		logger:  log.WithComponent("executor"),
		running: make(map[types.TaskID]string),
	}
}

func (e *Simulated) PlaceTask(td *types.TaskDescriptor, rd *types.ResourceDescriptor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[td.UID] = rd.UUID
	e.logger.Debug().Uint64("task_id", uint64(td.UID)).Str("resource_id", rd.UUID).
		Msg("task placed")
	return nil
}

func (e *Simulated) KillTask(td *types.TaskDescriptor, reason KillReason) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, td.UID)
	e.logger.Debug().Uint64("task_id", uint64(td.UID)).Str("reason", string(reason)).
		Msg("task killed")
	return nil
}

func (e *Simulated) MigrateTask(td *types.TaskDescriptor, from, to *types.ResourceDescriptor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[td.UID] = to.UUID
	e.logger.Debug().Uint64("task_id", uint64(td.UID)).
		Str("from", from.UUID).Str("to", to.UUID).Msg("task migrated")
	return nil
}

func (e *Simulated) InitializeResource(rd *types.ResourceDescriptor, local, simulated bool) error {
	e.logger.Debug().Str("resource_id", rd.UUID).Bool("local", local).
		Bool("simulated", simulated).Msg("resource initialized")
	return nil
}

func (e *Simulated) TeardownResource(rd *types.ResourceDescriptor) error {
	e.logger.Debug().Str("resource_id", rd.UUID).Msg("resource torn down")
	return nil
}

// RunningOn reports the PU a task occupies, if any.
func (e *Simulated) RunningOn(id types.TaskID) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	uuid, ok := e.running[id]
	return uuid, ok
}
