package scheduler

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/quarrylabs/quarry/pkg/costmodel"
	"github.com/quarrylabs/quarry/pkg/events"
	"github.com/quarrylabs/quarry/pkg/executor"
	"github.com/quarrylabs/quarry/pkg/metrics"
	"github.com/quarrylabs/quarry/pkg/trace"
	"github.com/quarrylabs/quarry/pkg/types"
)

// updateResourceTopologyLocked feeds a registered subtree into the flow
// graph. With only the sink present this is the initial topology; later
// calls add machine subtrees incrementally.
func (s *Scheduler) updateResourceTopologyLocked(rtnd *types.ResourceTopologyNode) {
	if s.gm.ChangeManager().Graph().NumNodes() == 1 {
		s.topologyRoot = rtnd
		s.gm.AddResourceTopology(rtnd)
	} else {
		if rtnd.ParentID == "" && s.topologyRoot != nil {
			// A whole tree arrived after the initial one: graft its
			// children under the existing root.
			for _, child := range rtnd.Children {
				s.topologyRoot.Children = append(s.topologyRoot.Children, child)
				s.gm.AddResourceTopology(child)
			}
		} else {
			if s.topologyRoot != nil && rtnd.ParentID == s.topologyRoot.Desc.UUID {
				s.topologyRoot.Children = append(s.topologyRoot.Children, rtnd)
			}
			s.gm.AddResourceTopology(rtnd)
		}
	}
	s.updateCostModelResourceStatsLocked()
}

// updateCostModelResourceStatsLocked refreshes topology statistics for the
// models that depend on them.
func (s *Scheduler) updateCostModelResourceStatsLocked() {
	if !costmodel.NeedsTopologyStats(s.modelType) {
		return
	}
	s.gm.ComputeTopologyStatistics()
}

func (s *Scheduler) scheduleJobsLocked(jds []*types.JobDescriptor) uint64 {
	if len(jds) == 0 {
		return 0
	}
	// Resource statistics feed arc construction, so they must be current
	// before job nodes are added.
	s.updateCostModelResourceStatsLocked()

	runnable := make([]*types.JobDescriptor, 0, len(jds))
	for _, jd := range jds {
		if len(s.runnableTasksForJobLocked(jd)) > 0 {
			runnable = append(runnable, jd)
		}
	}
	if len(runnable) == 0 {
		return 0
	}

	s.gm.AddOrUpdateJobNodes(runnable)
	numScheduled := s.runSchedulingIterationLocked()
	s.logger.Info().Uint64("num_scheduled", numScheduled).Int("num_jobs", len(runnable)).
		Msg("scheduling iteration complete")

	if s.cfg.DebugCostModel {
		s.logDebugCostModelLocked()
	}
	// Reservations may have moved, so the job nodes get a second pass
	// before control returns to the caller.
	s.gm.AddOrUpdateJobNodes(runnable)

	// Changes from here on belong to the next iteration's stats.
	s.dimacsStats.Reset()
	return numScheduled
}

func (s *Scheduler) runSchedulingIterationLocked() uint64 {
	iterationStart := s.clock()

	// The very first iteration must see correct statistics regardless of
	// cost model, the solver has never observed the topology before.
	if s.solver.SeqNum() == 0 {
		s.gm.ComputeTopologyStatistics()
	}

	now := s.clock()
	if now >= s.lastTimeDepUS+s.cfg.TimeDependentCostUpdateFrequency {
		var active []*types.JobDescriptor
		s.jobMap.Range(func(jd *types.JobDescriptor) bool {
			if jd.State != types.JobStateCompleted &&
				jd.State != types.JobStateFailed &&
				jd.State != types.JobStateAborted {
				active = append(active, jd)
			}
			return true
		})
		if len(active) > 0 {
			s.logger.Debug().Int("num_jobs", len(active)).Msg("updating time-dependent costs")
			s.gm.UpdateTimeDependentCosts(active)
		}
		s.lastTimeDepUS = now
	}

	solverStart := s.clock()
	taskMappings, err := s.solver.Solve()
	solverEnd := s.clock()
	if err != nil {
		// An unusable solver answer leaves every task where it is; their
		// unscheduled costs keep rising and the next round retries.
		s.logger.Error().Err(err).Msg("solver run failed")
		return 0
	}
	metrics.SchedulerRunsTotal.Inc()
	metrics.SolverRuntime.Observe(float64(solverEnd-solverStart) / 1e6)

	// Preemptions first: they are derived from what the mapping omits.
	deltas := s.gm.SchedulingDeltasForPreemptedTasks(taskMappings, s.resourceMap)
	for taskNodeID, puNodeIDs := range taskMappings {
		for puNodeID := range puNodeIDs {
			// The graph manager panics if the solver bound a non-task
			// source or a non-PU destination; that is an invariant
			// violation, not a recoverable error.
			if d := s.gm.NodeBindingToSchedulingDelta(taskNodeID, puNodeID, s.taskBindings); d != nil {
				deltas = append(deltas, *d)
			}
		}
	}

	numScheduled := s.applySchedulingDeltasLocked(deltas)

	unactioned := 0
	for _, d := range deltas {
		if !d.Actioned && d.Kind != types.DeltaNoOp {
			unactioned++
			s.logger.Warn().Str("kind", d.Kind.String()).Uint64("task_id", uint64(d.TaskID)).
				Str("resource_id", d.ResourceID).Msg("scheduling delta not actioned")
		}
	}
	if unactioned > 0 {
		metrics.UnactionedDeltasTotal.Add(float64(unactioned))
	}

	// Delta application changed running-task counts, refresh for the
	// cost model's next round.
	s.updateCostModelResourceStatsLocked()

	iterationEnd := s.clock()
	metrics.SchedulerIterationRuntime.Observe(float64(iterationEnd-iterationStart) / 1e6)
	g := s.gm.ChangeManager().Graph()
	metrics.GraphNodes.Set(float64(g.NumNodes()))
	metrics.GraphArcs.Set(float64(g.NumArcs()))

	if s.emitter != nil {
		s.emitter.SchedulerRun(trace.SchedulerStats{
			SchedulerRuntimeUS: iterationEnd - iterationStart,
			AlgorithmRuntimeUS: solverEnd - solverStart,
			TotalRuntimeUS:     iterationEnd - iterationStart,
		}, s.dimacsStats)
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventSchedulerRun})
	}
	return numScheduled
}

// applySchedulingDeltasLocked applies deltas in solver order and marks each
// one actioned. Deltas the switch cannot apply stay unactioned for the
// caller's diagnostics.
func (s *Scheduler) applySchedulingDeltasLocked(deltas []types.SchedulingDelta) uint64 {
	numScheduled := uint64(0)
	for i := range deltas {
		d := &deltas[i]
		td := s.taskMap.FindPtrOrNil(d.TaskID)
		if td == nil {
			panic(fmt.Sprintf("scheduler: delta for unknown task %d", d.TaskID))
		}
		rd := s.resourceMap.FindPtrOrNil(types.MustResourceIDFromString(d.ResourceID))
		if rd == nil {
			panic(fmt.Sprintf("scheduler: delta for unknown resource %s", d.ResourceID))
		}

		switch d.Kind {
		case types.DeltaNoOp:
			// Should have been filtered already.
		case types.DeltaPlace:
			jd := s.jobMap.FindPtrOrNil(types.MustJobIDFromString(td.JobID))
			if jd != nil && jd.State != types.JobStateRunning {
				jd.State = types.JobStateRunning
			}
			s.handleTaskPlacementLocked(td, rd)
			numScheduled++
			d.Actioned = true
		case types.DeltaPreempt:
			s.handleTaskEvictionLocked(td, rd)
			d.Actioned = true
		case types.DeltaMigrate:
			s.handleTaskMigrationLocked(td, rd)
			numScheduled++
			d.Actioned = true
		default:
			panic(fmt.Sprintf("scheduler: unknown delta kind %v", d.Kind))
		}
	}
	return numScheduled
}

func (s *Scheduler) handleTaskPlacementLocked(td *types.TaskDescriptor, rd *types.ResourceDescriptor) {
	resID := types.MustResourceIDFromString(rd.UUID)
	td.State = types.TaskStateRunning
	td.ScheduledToResource = rd.UUID
	s.bindTaskLocked(td.UID, resID)
	rd.CurrentRunningTasks = append(rd.CurrentRunningTasks, td.UID)
	rd.State = types.ResourceBusy
	s.removeRunnableLocked(td)

	if err := s.exec.PlaceTask(td, rd); err != nil {
		s.logger.Error().Err(err).Uint64("task_id", uint64(td.UID)).Msg("placement failed")
	}
	if s.emitter != nil {
		s.emitter.TaskScheduled(td.UID, resID)
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type: events.EventTaskPlaced, TaskID: td.UID, JobID: td.JobID, ResourceID: rd.UUID,
		})
	}
	metrics.TasksPlacedTotal.Inc()
	s.gm.TaskScheduled(td.UID, resID)
}

// handleTaskEvictionLocked stops a task without failing it: the task goes
// back to the runnable queue and competes in the next round.
func (s *Scheduler) handleTaskEvictionLocked(td *types.TaskDescriptor, rd *types.ResourceDescriptor) {
	resID := types.MustResourceIDFromString(rd.UUID)
	if err := s.exec.KillTask(td, executor.KillReasonPreempted); err != nil {
		s.logger.Error().Err(err).Uint64("task_id", uint64(td.UID)).Msg("eviction kill failed")
	}
	s.unbindTaskLocked(td)
	td.State = types.TaskStateRunnable
	s.addRunnableLocked(td)

	if s.emitter != nil {
		s.emitter.TaskEvicted(td.UID)
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type: events.EventTaskEvicted, TaskID: td.UID, JobID: td.JobID, ResourceID: rd.UUID,
		})
	}
	metrics.TasksEvictedTotal.Inc()
	s.gm.TaskEvicted(td.UID, resID)
}

func (s *Scheduler) handleTaskMigrationLocked(td *types.TaskDescriptor, rd *types.ResourceDescriptor) {
	// The old binding must be read before any rebinding below; afterwards
	// the lookup would return the new resource and the migration would
	// degenerate into a no-op.
	oldResID, ok := s.taskBindings[td.UID]
	if !ok {
		panic(fmt.Sprintf("scheduler: migration of unbound task %d", td.UID))
	}
	oldRD := s.resourceMap.FindPtrOrNil(oldResID)
	if oldRD == nil {
		panic(fmt.Sprintf("scheduler: old resource %s missing for migration", oldResID))
	}
	newResID := types.MustResourceIDFromString(rd.UUID)

	s.unbindTaskLocked(td)
	s.bindTaskLocked(td.UID, newResID)
	td.ScheduledToResource = rd.UUID
	rd.CurrentRunningTasks = append(rd.CurrentRunningTasks, td.UID)
	rd.State = types.ResourceBusy

	if err := s.exec.MigrateTask(td, oldRD, rd); err != nil {
		s.logger.Error().Err(err).Uint64("task_id", uint64(td.UID)).Msg("migration failed")
	}
	if s.emitter != nil {
		// The trace has no migration code; an eviction/schedule pair keeps
		// the per-task event stream well formed.
		s.emitter.TaskEvicted(td.UID)
		s.emitter.TaskScheduled(td.UID, newResID)
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type: events.EventTaskMigrated, TaskID: td.UID, JobID: td.JobID, ResourceID: rd.UUID,
		})
	}
	metrics.TasksMigratedTotal.Inc()
	s.gm.TaskMigrated(td.UID, oldResID, newResID)
}

func (s *Scheduler) handleTaskCompletionLocked(td *types.TaskDescriptor) {
	s.unbindTaskLocked(td)
	td.State = types.TaskStateCompleted

	if s.emitter != nil {
		s.emitter.TaskCompleted(td.UID)
	}
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventTaskCompleted, TaskID: td.UID, JobID: td.JobID})
	}

	// Final report: fold the observed runtime into the knowledge base for
	// the runtime-sensitive cost models. The equivalence classes must be
	// read before the node disappears.
	for _, ec := range s.costModel.GetTaskEquivClasses(td.UID) {
		if td.TotalRunTime > 0 {
			s.stats.RecordRuntime(ec, td.TotalRunTime)
		}
	}
	s.gm.TaskCompleted(td.UID)

	jd := s.jobMap.FindPtrOrNil(types.MustJobIDFromString(td.JobID))
	if jd != nil && jobDone(jd) {
		s.handleJobCompletionLocked(types.MustJobIDFromString(jd.UUID))
	}
}

func (s *Scheduler) handleJobCompletionLocked(jobID types.JobID) {
	jd := s.jobMap.FindPtrOrNil(jobID)
	if jd == nil {
		panic(fmt.Sprintf("scheduler: completion of unknown job %s", jobID))
	}
	s.gm.JobCompleted(jobID)
	jd.State = types.JobStateCompleted
	if _, ok := s.jobsToSchedule[jobID]; ok {
		delete(s.jobsToSchedule, jobID)
		metrics.JobsQueuedTotal.Dec()
	}
	delete(s.runnableTasks, jobID)
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventJobCompleted, JobID: jd.UUID})
	}
}

// jobDone reports whether every task reached a terminal state.
func jobDone(jd *types.JobDescriptor) bool {
	done := true
	forEachTask(jd.RootTask, func(td *types.TaskDescriptor) {
		switch td.State {
		case types.TaskStateCompleted, types.TaskStateFailed, types.TaskStateAborted:
		default:
			done = false
		}
	})
	return done
}

// runnableTasksForJobLocked recomputes the job's runnable set.
func (s *Scheduler) runnableTasksForJobLocked(jd *types.JobDescriptor) map[types.TaskID]struct{} {
	jobID := types.MustJobIDFromString(jd.UUID)
	set := make(map[types.TaskID]struct{})
	forEachTask(jd.RootTask, func(td *types.TaskDescriptor) {
		if td.State == types.TaskStateCreated {
			td.State = types.TaskStateRunnable
		}
		if td.State == types.TaskStateRunnable {
			set[td.UID] = struct{}{}
		}
	})
	s.runnableTasks[jobID] = set
	return set
}

func (s *Scheduler) addRunnableLocked(td *types.TaskDescriptor) {
	jobID := types.MustJobIDFromString(td.JobID)
	set := s.runnableTasks[jobID]
	if set == nil {
		set = make(map[types.TaskID]struct{})
		s.runnableTasks[jobID] = set
	}
	set[td.UID] = struct{}{}
}

func (s *Scheduler) removeRunnableLocked(td *types.TaskDescriptor) {
	if set := s.runnableTasks[types.MustJobIDFromString(td.JobID)]; set != nil {
		delete(set, td.UID)
	}
}

func (s *Scheduler) bindTaskLocked(id types.TaskID, resID types.ResourceID) {
	s.taskBindings[id] = resID
	set := s.resourceBindings[resID]
	if set == nil {
		set = make(map[types.TaskID]struct{})
		s.resourceBindings[resID] = set
	}
	set[id] = struct{}{}
}

// unbindTaskLocked clears the task's binding and removes it from its
// resource's running list.
func (s *Scheduler) unbindTaskLocked(td *types.TaskDescriptor) {
	resID, ok := s.taskBindings[td.UID]
	if !ok {
		return
	}
	delete(s.taskBindings, td.UID)
	if set := s.resourceBindings[resID]; set != nil {
		delete(set, td.UID)
		if len(set) == 0 {
			delete(s.resourceBindings, resID)
		}
	}
	if rd := s.resourceMap.FindPtrOrNil(resID); rd != nil {
		for i, id := range rd.CurrentRunningTasks {
			if id == td.UID {
				rd.CurrentRunningTasks = append(rd.CurrentRunningTasks[:i], rd.CurrentRunningTasks[i+1:]...)
				break
			}
		}
		if len(rd.CurrentRunningTasks) == 0 {
			rd.State = types.ResourceIdle
		}
	}
	td.ScheduledToResource = ""
}

// logDebugCostModelLocked dumps the cost model's per-iteration CSV.
func (s *Scheduler) logDebugCostModelLocked() {
	if err := os.MkdirAll(s.cfg.DebugOutputDir, 0o755); err != nil {
		s.logger.Error().Err(err).Msg("creating debug output dir")
		return
	}
	path := filepath.Join(s.cfg.DebugOutputDir, fmt.Sprintf("cost_model_%d.csv", s.solver.SeqNum()))
	if err := os.WriteFile(path, []byte(s.costModel.DebugInfoCSV()), 0o644); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("writing cost model debug CSV")
	}
}
