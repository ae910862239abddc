package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/costmodel"
	"github.com/quarrylabs/quarry/pkg/dimacs"
	"github.com/quarrylabs/quarry/pkg/events"
	"github.com/quarrylabs/quarry/pkg/executor"
	"github.com/quarrylabs/quarry/pkg/flowmanager"
	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/metrics"
	"github.com/quarrylabs/quarry/pkg/placement"
	"github.com/quarrylabs/quarry/pkg/simdfs"
	"github.com/quarrylabs/quarry/pkg/trace"
	"github.com/quarrylabs/quarry/pkg/types"
)

// Scheduler is the flow scheduling driver. It owns the job, task and
// resource registries, feeds cluster events into the flow graph manager,
// runs solver iterations and applies the resulting deltas through the
// executor.
//
// One coarse mutex serializes all scheduling state. Exported methods
// acquire it at their outermost frame and call ...Locked internals, so
// nothing ever re-enters the lock.
type Scheduler struct {
	mu sync.Mutex

	cfg       config.Config
	modelType costmodel.ModelType
	logger    zerolog.Logger
	clock     func() uint64

	jobMap      *types.JobMap
	taskMap     *types.TaskMap
	resourceMap *types.ResourceMap

	gm          flowmanager.GraphManager
	costModel   costmodel.CostModel
	solver      placement.Solver
	exec        executor.Executor
	dimacsStats *dimacs.ChangeStats
	stats       *costmodel.RuntimeStats
	emitter     *trace.Emitter
	broker      *events.Broker

	// taskBindings is the driver's notion of where tasks run; it reflects
	// the previous iteration until deltas are applied.
	taskBindings     map[types.TaskID]types.ResourceID
	resourceBindings map[types.ResourceID]map[types.TaskID]struct{}
	jobsToSchedule   map[types.JobID]*types.JobDescriptor
	runnableTasks    map[types.JobID]map[types.TaskID]struct{}
	// topology bookkeeping for registration/removal.
	topologyRoot  *types.ResourceTopologyNode
	machineRoots  map[types.ResourceID]*types.ResourceTopologyNode
	lastTimeDepUS uint64
}

// Options carries the collaborators the driver needs. Solver, Broker,
// Emitter and Clock are optional: a nil Solver selects the external
// dispatcher and a nil Clock the wall clock, while a nil Broker or Emitter
// turns off event publishing or tracing.
type Options struct {
	Config   config.Config
	Executor executor.Executor
	// Solver overrides the external dispatcher, e.g. with a test stub.
	Solver  placement.Solver
	Broker  *events.Broker
	Emitter *trace.Emitter
	// Clock returns microseconds; nil means wall clock.
	Clock func() uint64
	// FS overrides the simulated filesystem for the SimulatedQuincy model.
	FS *simdfs.FS
}

// New wires up the scheduler: cost model (fatal on an unknown selector),
// graph manager and solver dispatcher. The graph holds only the sink until
// the first RegisterResource call.
func New(opts Options) (*Scheduler, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("scheduler: an executor is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() uint64 { return uint64(time.Now().UnixMicro()) }
	}

	s := &Scheduler{
		cfg:              cfg,
		modelType:        costmodel.ModelType(cfg.CostModel),
		logger:           log.WithComponent("scheduler"),
		clock:            clock,
		jobMap:           types.NewJobMap(),
		taskMap:          types.NewTaskMap(),
		resourceMap:      types.NewResourceMap(),
		exec:             opts.Executor,
		dimacsStats:      &dimacs.ChangeStats{},
		emitter:          opts.Emitter,
		broker:           opts.Broker,
		taskBindings:     make(map[types.TaskID]types.ResourceID),
		resourceBindings: make(map[types.ResourceID]map[types.TaskID]struct{}),
		jobsToSchedule:   make(map[types.JobID]*types.JobDescriptor),
		runnableTasks:    make(map[types.JobID]map[types.TaskID]struct{}),
		machineRoots:     make(map[types.ResourceID]*types.ResourceTopologyNode),
	}
	s.stats = costmodel.NewRuntimeStats(clock)

	fs := opts.FS
	if fs == nil && s.modelType == costmodel.ModelSimulatedQuincy {
		fs = simdfs.New(cfg.SimulatedQuincy.MachinesPerRack, simdfs.DefaultBlockDistribution, cfg.RandomSeed)
	}

	leaves := make(map[types.ResourceID]struct{})
	model, err := costmodel.New(s.modelType, costmodel.Params{
		ResourceMap:     s.resourceMap,
		TaskMap:         s.taskMap,
		JobMap:          s.jobMap,
		LeafResourceIDs: leaves,
		Stats:           s.stats,
		MaxTasksPerPU:   cfg.MaxTasksPerPU,
		FS:              fs,
		SimulatedQuincy: cfg.SimulatedQuincy,
		RandomSeed:      cfg.RandomSeed,
	})
	if err != nil {
		return nil, err
	}
	s.costModel = model

	s.gm = flowmanager.New(flowmanager.Config{
		CostModel:       model,
		LeafResourceIDs: leaves,
		Stats:           s.dimacsStats,
		MaxTasksPerPU:   cfg.MaxTasksPerPU,
		Preemption:      cfg.Preemption,
	})

	if opts.Solver != nil {
		s.solver = opts.Solver
	} else {
		s.solver = placement.New(placement.Config{
			Binary:    cfg.Solver.Path,
			Algorithm: cfg.Solver.Algorithm,
		}, s.gm)
	}
	return s, nil
}

// TaskBindings returns a copy of the current task-to-PU bindings.
func (s *Scheduler) TaskBindings() map[types.TaskID]types.ResourceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.TaskID]types.ResourceID, len(s.taskBindings))
	for k, v := range s.taskBindings {
		out[k] = v
	}
	return out
}

// RegisterResource adds a resource subtree (the whole topology on first
// call, a machine subtree afterwards), then runs the executor's resource
// initialization hook.
func (s *Scheduler) RegisterResource(rtnd *types.ResourceTopologyNode, local, simulated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rtnd.Visit(func(n *types.ResourceTopologyNode) {
		s.resourceMap.InsertIfNotPresent(n.Desc)
		if n.Desc.Type == types.ResourcePU {
			n.Desc.Schedulable = true
			if n.Desc.State == types.ResourceUnknown {
				n.Desc.State = types.ResourceIdle
			}
		}
	})

	s.updateResourceTopologyLocked(rtnd)

	rtnd.Visit(func(n *types.ResourceTopologyNode) {
		if n.Desc.Type != types.ResourceMachine {
			return
		}
		s.machineRoots[types.MustResourceIDFromString(n.Desc.UUID)] = n
		if s.emitter != nil {
			s.emitter.AddMachine(n.Desc)
		}
		if s.broker != nil {
			s.broker.Publish(&events.Event{Type: events.EventMachineAdded, ResourceID: n.Desc.UUID})
		}
		metrics.MachinesTotal.Inc()
	})

	if err := s.exec.InitializeResource(rtnd.Desc, local, simulated); err != nil {
		s.logger.Error().Err(err).Str("resource_id", rtnd.Desc.UUID).
			Msg("resource initialization failed")
	}
}

// DeregisterResource removes a machine: tasks bound to its PUs are evicted
// back to runnable, the executor tears the resource down, and the flow
// graph subtree is removed last.
func (s *Scheduler) DeregisterResource(resID types.ResourceID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rtnd, ok := s.machineRoots[resID]
	if !ok {
		s.logger.Warn().Str("resource_id", resID.String()).Msg("deregister of unknown resource")
		return
	}

	// Evict everything below the machine first, so no binding survives.
	rtnd.Visit(func(n *types.ResourceTopologyNode) {
		if n.Desc.Type != types.ResourcePU {
			return
		}
		puID := types.MustResourceIDFromString(n.Desc.UUID)
		for taskID := range s.resourceBindings[puID] {
			td := s.taskMap.FindPtrOrNil(taskID)
			if td == nil {
				panic(fmt.Sprintf("scheduler: bound task %d missing from task map", taskID))
			}
			s.handleTaskEvictionLocked(td, n.Desc)
		}
	})

	if err := s.exec.TeardownResource(rtnd.Desc); err != nil {
		s.logger.Error().Err(err).Str("resource_id", rtnd.Desc.UUID).Msg("resource teardown failed")
	}
	if s.emitter != nil {
		s.emitter.RemoveMachine(rtnd.Desc)
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventMachineRemoved, ResourceID: rtnd.Desc.UUID})
	}
	metrics.MachinesTotal.Dec()

	// Flow graph last: afterwards there is no trace of the subtree.
	s.gm.RemoveResourceTopology(rtnd.Desc)
	delete(s.machineRoots, resID)
	rtnd.Visit(func(n *types.ResourceTopologyNode) {
		s.resourceMap.Delete(types.MustResourceIDFromString(n.Desc.UUID))
	})
	if s.topologyRoot != nil {
		for i, child := range s.topologyRoot.Children {
			if child == rtnd {
				s.topologyRoot.Children = append(s.topologyRoot.Children[:i], s.topologyRoot.Children[i+1:]...)
				break
			}
		}
	}
}

// SubmitJob registers a job and queues it for the next scheduling round.
func (s *Scheduler) SubmitJob(jd *types.JobDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobMap.InsertIfNotPresent(jd)
	jobID := types.MustJobIDFromString(jd.UUID)
	s.jobsToSchedule[jobID] = jd
	metrics.JobsQueuedTotal.Inc()

	forEachTask(jd.RootTask, func(td *types.TaskDescriptor) {
		if s.taskMap.InsertIfNotPresent(td) {
			if td.State == types.TaskStateCreated {
				td.State = types.TaskStateRunnable
			}
			if s.emitter != nil {
				s.emitter.TaskSubmitted(jd, td)
			}
			if s.broker != nil {
				s.broker.Publish(&events.Event{
					Type: events.EventTaskSubmitted, TaskID: td.UID, JobID: jd.UUID,
				})
			}
		}
	})
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventJobSubmitted, JobID: jd.UUID})
	}
}

// HandleJobCompletion retires a completed job.
func (s *Scheduler) HandleJobCompletion(jobID types.JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handleJobCompletionLocked(jobID)
}

// ScheduleAllJobs runs one scheduling iteration over every queued job.
func (s *Scheduler) ScheduleAllJobs() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	jds := make([]*types.JobDescriptor, 0, len(s.jobsToSchedule))
	for _, jd := range s.jobsToSchedule {
		jds = append(jds, jd)
	}
	return s.scheduleJobsLocked(jds)
}

// ScheduleJobs runs one scheduling iteration over the given jobs.
func (s *Scheduler) ScheduleJobs(jds []*types.JobDescriptor) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleJobsLocked(jds)
}

// HandleTaskPlacement binds a task to a PU outside a scheduling iteration,
// e.g. when acting on a delegated placement decision.
func (s *Scheduler) HandleTaskPlacement(td *types.TaskDescriptor, rd *types.ResourceDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handleTaskPlacementLocked(td, rd)
}

// HandleTaskEviction stops a task without failing it; the task re-enters
// the runnable queue.
func (s *Scheduler) HandleTaskEviction(td *types.TaskDescriptor, rd *types.ResourceDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handleTaskEvictionLocked(td, rd)
}

// HandleTaskMigration moves a running task to the given resource.
func (s *Scheduler) HandleTaskMigration(td *types.TaskDescriptor, rd *types.ResourceDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handleTaskMigrationLocked(td, rd)
}

// HandleTaskCompletion processes a task that finished on its own.
func (s *Scheduler) HandleTaskCompletion(td *types.TaskDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handleTaskCompletionLocked(td)
}

// HandleTaskFailure processes an executor-reported task failure.
func (s *Scheduler) HandleTaskFailure(td *types.TaskDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unbindTaskLocked(td)
	td.State = types.TaskStateFailed
	if s.emitter != nil {
		s.emitter.TaskFailed(td.UID)
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventTaskFailed, TaskID: td.UID, JobID: td.JobID})
	}
	s.gm.TaskFailed(td.UID)
}

// KillRunningTask stops a running task on user request. The kill takes
// effect in the graph immediately; a solver run already in flight is not
// interrupted.
func (s *Scheduler) KillRunningTask(id types.TaskID, reason executor.KillReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	td := s.taskMap.FindPtrOrNil(id)
	if td == nil {
		s.logger.Warn().Uint64("task_id", uint64(id)).Msg("kill of unknown task")
		return
	}
	if err := s.exec.KillTask(td, reason); err != nil {
		s.logger.Error().Err(err).Uint64("task_id", uint64(id)).Msg("kill failed")
	}
	s.unbindTaskLocked(td)
	td.State = types.TaskStateAborted
	if s.emitter != nil {
		s.emitter.TaskKilled(id)
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventTaskKilled, TaskID: id, JobID: td.JobID})
	}
	s.gm.TaskKilled(id)
}

// Shutdown stops the solver process and closes the trace streams. A
// scheduling iteration already holding the lock completes first.
func (s *Scheduler) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.solver.(*placement.Dispatcher); ok {
		d.Stop()
	}
	if s.broker != nil {
		s.broker.Stop()
	}
	if s.emitter != nil {
		return s.emitter.Close()
	}
	return nil
}

func forEachTask(td *types.TaskDescriptor, fn func(*types.TaskDescriptor)) {
	fn(td)
	for _, child := range td.Spawned {
		forEachTask(child, fn)
	}
}
