package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/pkg/dimacs"
	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/types"
)

// Friendly-name prefixes marking descriptors that came from a simulation;
// the numeric suffix is the trace id.
const (
	SimulationMachinePrefix = "quarry_simulation_machine_"
	SimulationJobPrefix     = "quarry_simulation_job_"
)

// Machine event codes.
const (
	machineEventAdd    = 0
	machineEventRemove = 1
)

// Task event codes.
const (
	taskEventSubmit   = 0
	taskEventSchedule = 1
	taskEventEvict    = 2
	taskEventFail     = 3
	taskEventComplete = 4
	taskEventKill     = 5
)

// Clock returns the current timestamp in microseconds.
type Clock func() uint64

// SchedulerStats carries one iteration's runtimes for the scheduler events
// stream.
type SchedulerStats struct {
	SchedulerRuntimeUS uint64
	AlgorithmRuntimeUS uint64
	TotalRuntimeUS     uint64
}

// TaskRuntime accumulates per-task runtime counters for the runtime events
// stream.
type TaskRuntime struct {
	TraceTaskID      uint64
	StartTime        uint64
	TotalRuntime     uint64
	Runtime          uint64
	LastScheduleTime uint64
	NumRuns          uint64
}

// Emitter writes six CSV streams describing scheduling activity, laid out
// like the public Google cluster trace. All methods are called under the
// scheduling lock; the emitter is a single logical writer.
type Emitter struct {
	clock  Clock
	logger zerolog.Logger

	machineEvents     *os.File
	schedulerEvents   *os.File
	taskEvents        *os.File
	taskRuntimeEvents *os.File
	jobsNumTasks      *os.File
	taskUsageStat     *os.File

	taskToJob     map[types.TaskID]uint64
	jobNumTasks   map[uint64]uint64
	taskToRuntime map[types.TaskID]*TaskRuntime
	// scheduled tracks task ids with a schedule event and no terminal event
	// yet; a single task id must not run twice concurrently.
	scheduled map[types.TaskID]bool
}

// New creates the trace directory layout and opens all six streams. Any
// failure here is a startup failure; the caller aborts.
func New(dir string, clock Clock) (*Emitter, error) {
	if clock == nil {
		clock = func() uint64 { return uint64(time.Now().UnixMicro()) }
	}
	e := &Emitter{
		clock:         clock,
		logger:        log.WithComponent("trace"),
		taskToJob:     make(map[types.TaskID]uint64),
		jobNumTasks:   make(map[uint64]uint64),
		taskToRuntime: make(map[types.TaskID]*TaskRuntime),
		scheduled:     make(map[types.TaskID]bool),
	}

	files := []struct {
		f    **os.File
		path string
	}{
		{&e.machineEvents, "machine_events/part-00000-of-00001.csv"},
		{&e.schedulerEvents, "scheduler_events/scheduler_events.csv"},
		{&e.taskEvents, "task_events/part-00000-of-00500.csv"},
		{&e.taskRuntimeEvents, "task_runtime_events/task_runtime_events.csv"},
		{&e.jobsNumTasks, "jobs_num_tasks/jobs_num_tasks.csv"},
		{&e.taskUsageStat, "task_usage_stat/task_usage_stat.csv"},
	}
	for _, entry := range files {
		path := filepath.Join(dir, entry.path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("trace: creating %s: %w", filepath.Dir(path), err)
		}
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("trace: opening %s: %w", path, err)
		}
		*entry.f = f
	}
	return e, nil
}

// write appends one row; mid-run IO errors are logged, not fatal.
func (e *Emitter) write(f *os.File, format string, args ...any) {
	if _, err := fmt.Fprintf(f, format, args...); err != nil {
		e.logger.Error().Err(err).Str("file", f.Name()).Msg("trace write failed")
	}
}

// hashID derives a stable 64-bit trace id from an identifier string,
// combining it with the fixed seed commutatively.
func hashID(s string) uint64 {
	const seed = 42
	return seed + xxhash.Sum64String(s)
}

// machineID resolves a resource descriptor to its trace machine id.
// Simulation descriptors embed the id in their friendly name; a malformed
// suffix is a fatal configuration error.
func machineID(rd *types.ResourceDescriptor) uint64 {
	if strings.HasPrefix(rd.FriendlyName, SimulationMachinePrefix) {
		idStr := rd.FriendlyName[len(SimulationMachinePrefix):]
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			panic(fmt.Sprintf("trace: cannot parse machine id from %q: %v", rd.FriendlyName, err))
		}
		return id
	}
	return hashID(rd.UUID)
}

// AddMachine records a machine addition.
func (e *Emitter) AddMachine(rd *types.ResourceDescriptor) {
	e.write(e.machineEvents, "%d,%d,%d,,,\n", e.clock(), machineID(rd), machineEventAdd)
}

// RemoveMachine records a machine removal.
func (e *Emitter) RemoveMachine(rd *types.ResourceDescriptor) {
	e.write(e.machineEvents, "%d,%d,%d,,,\n", e.clock(), machineID(rd), machineEventRemove)
}

// SchedulerRun records one scheduling iteration's runtimes and graph churn.
func (e *Emitter) SchedulerRun(stats SchedulerStats, changeStats *dimacs.ChangeStats) {
	e.write(e.schedulerEvents, "%d,%d,%d,%d,%s\n", e.clock(),
		stats.SchedulerRuntimeUS, stats.AlgorithmRuntimeUS, stats.TotalRuntimeUS,
		changeStats.String())
}

// TaskSubmitted records a task entering the system and opens its runtime
// accounting.
func (e *Emitter) TaskSubmitted(jd *types.JobDescriptor, td *types.TaskDescriptor) {
	timestamp := e.clock()
	var jobID, traceTaskID uint64
	if strings.HasPrefix(jd.Name, SimulationJobPrefix) {
		idStr := jd.Name[len(SimulationJobPrefix):]
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			panic(fmt.Sprintf("trace: cannot parse job id from %q: %v", jd.Name, err))
		}
		jobID = id
		// Simulated tasks carry their trace id in the index.
		traceTaskID = td.Index
	} else {
		jobID = hashID(jd.Name)
		traceTaskID = uint64(td.UID)
	}

	// Keyed on the scheduler's task id: every other method only sees that.
	if _, ok := e.taskToJob[td.UID]; !ok {
		e.taskToJob[td.UID] = jobID
		e.jobNumTasks[jobID]++
	}
	e.write(e.taskEvents, "%d,,%d,%d,%d,,,,,,,\n", timestamp, jobID, traceTaskID, taskEventSubmit)
	if _, ok := e.taskToRuntime[td.UID]; !ok {
		e.taskToRuntime[td.UID] = &TaskRuntime{
			TraceTaskID: traceTaskID,
			StartTime:   timestamp,
		}
	}
}

// TaskScheduled records a placement. A second schedule for a task id whose
// previous incarnation saw no terminal event is rejected: the trace format
// assumes at most one running incarnation per task id.
func (e *Emitter) TaskScheduled(id types.TaskID, _ types.ResourceID) {
	if e.scheduled[id] {
		e.logger.Error().Uint64("task_id", uint64(id)).
			Msg("schedule event for task that is already running; dropping")
		return
	}
	timestamp := e.clock()
	jobID, tr := e.mustTaskState(id)
	e.write(e.taskEvents, "%d,,%d,%d,%d,,,,,,,\n", timestamp, jobID, tr.TraceTaskID, taskEventSchedule)
	tr.NumRuns++
	tr.LastScheduleTime = timestamp
	e.scheduled[id] = true
}

// TaskCompleted records completion and closes the current runtime span.
func (e *Emitter) TaskCompleted(id types.TaskID) {
	timestamp := e.clock()
	jobID, tr := e.mustTaskState(id)
	e.write(e.taskEvents, "%d,,%d,%d,%d,,,,,,,\n", timestamp, jobID, tr.TraceTaskID, taskEventComplete)
	tr.TotalRuntime += timestamp - tr.LastScheduleTime
	tr.Runtime = timestamp - tr.LastScheduleTime
	delete(e.scheduled, id)
}

// TaskEvicted records an eviction.
func (e *Emitter) TaskEvicted(id types.TaskID) {
	e.taskInterrupted(id, taskEventEvict)
}

// TaskFailed records a failure.
func (e *Emitter) TaskFailed(id types.TaskID) {
	e.taskInterrupted(id, taskEventFail)
}

// TaskKilled records a kill.
func (e *Emitter) TaskKilled(id types.TaskID) {
	e.taskInterrupted(id, taskEventKill)
}

func (e *Emitter) taskInterrupted(id types.TaskID, event int) {
	timestamp := e.clock()
	jobID, tr := e.mustTaskState(id)
	e.write(e.taskEvents, "%d,,%d,%d,%d,,,,,,,\n", timestamp, jobID, tr.TraceTaskID, event)
	tr.TotalRuntime += timestamp - tr.LastScheduleTime
	delete(e.scheduled, id)
}

func (e *Emitter) mustTaskState(id types.TaskID) (uint64, *TaskRuntime) {
	jobID, ok := e.taskToJob[id]
	if !ok {
		panic(fmt.Sprintf("trace: no job binding for task %d", id))
	}
	tr, ok := e.taskToRuntime[id]
	if !ok {
		panic(fmt.Sprintf("trace: no runtime record for task %d", id))
	}
	return jobID, tr
}

// Close flushes the accumulated runtime and job-size maps and closes all
// streams.
func (e *Emitter) Close() error {
	for id, tr := range e.taskToRuntime {
		jobID := e.taskToJob[id]
		// The job id doubles as the job's logical name.
		e.write(e.taskRuntimeEvents, "%d,%d,%d,%d,%d,%d,%d\n",
			jobID, tr.TraceTaskID, jobID, tr.StartTime, tr.TotalRuntime, tr.Runtime, tr.NumRuns)
	}
	for jobID, numTasks := range e.jobNumTasks {
		e.write(e.jobsNumTasks, "%d,%d\n", jobID, numTasks)
	}
	// Task usage statistics are not collected yet; the stream stays empty.

	var firstErr error
	for _, f := range []*os.File{
		e.machineEvents, e.schedulerEvents, e.taskEvents,
		e.taskRuntimeEvents, e.jobsNumTasks, e.taskUsageStat,
	} {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
