package trace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/dimacs"
	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init("error", true, nil)
	os.Exit(m.Run())
}

// fakeClock is a settable microsecond clock.
type fakeClock struct{ now uint64 }

func (c *fakeClock) Clock() Clock { return func() uint64 { return c.now } }

func readFile(t *testing.T, dir, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, rel))
	require.NoError(t, err)
	return string(data)
}

func simJob(name string) *types.JobDescriptor {
	jd := &types.JobDescriptor{UUID: uuid.New().String(), Name: name}
	jd.RootTask = &types.TaskDescriptor{UID: 42, Index: 0, JobID: jd.UUID}
	return jd
}

func TestTaskLifecycleRows(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{}
	e, err := New(dir, clock.Clock())
	require.NoError(t, err)

	jd := simJob("quarry_simulation_job_7")
	td := jd.RootTask
	td.Index = 42

	clock.now = 1000
	e.TaskSubmitted(jd, td)
	clock.now = 1500
	e.TaskScheduled(td.UID, types.ResourceID(uuid.New()))
	clock.now = 3500
	e.TaskCompleted(td.UID)
	require.NoError(t, e.Close())

	taskEvents := readFile(t, dir, "task_events/part-00000-of-00500.csv")
	lines := strings.Split(strings.TrimSpace(taskEvents), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "1000,,7,42,0,,,,,,,", lines[0])
	assert.Equal(t, "1500,,7,42,1,,,,,,,", lines[1])
	assert.Equal(t, "3500,,7,42,4,,,,,,,", lines[2])

	// Runtime row: job, task, logical name (= job id), start, total
	// runtime, last runtime, num runs.
	runtime := strings.TrimSpace(readFile(t, dir, "task_runtime_events/task_runtime_events.csv"))
	assert.Equal(t, "7,42,7,1000,2000,2000,1", runtime)

	numTasks := strings.TrimSpace(readFile(t, dir, "jobs_num_tasks/jobs_num_tasks.csv"))
	assert.Equal(t, "7,1", numTasks)
}

func TestMachineEvents(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: 500}
	e, err := New(dir, clock.Clock())
	require.NoError(t, err)

	rd := &types.ResourceDescriptor{
		UUID:         uuid.New().String(),
		FriendlyName: "quarry_simulation_machine_3",
		Type:         types.ResourceMachine,
	}
	e.AddMachine(rd)
	clock.now = 900
	e.RemoveMachine(rd)
	require.NoError(t, e.Close())

	got := strings.TrimSpace(readFile(t, dir, "machine_events/part-00000-of-00001.csv"))
	lines := strings.Split(got, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "500,3,0,,,", lines[0])
	assert.Equal(t, "900,3,1,,,", lines[1])
}

func TestHashedIDsAreStable(t *testing.T) {
	rd := &types.ResourceDescriptor{UUID: "0b7e2c1a-53a0-4a4e-9d25-6ba1e96a52a5", FriendlyName: "rack1-m7"}
	first := machineID(rd)
	second := machineID(rd)
	assert.Equal(t, first, second)
	assert.NotZero(t, first)

	other := &types.ResourceDescriptor{UUID: uuid.New().String()}
	assert.NotEqual(t, first, machineID(other))
}

func TestSimulationIDParseFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	e, err := New(dir, (&fakeClock{}).Clock())
	require.NoError(t, err)
	defer e.Close()

	rd := &types.ResourceDescriptor{
		UUID:         uuid.New().String(),
		FriendlyName: "quarry_simulation_machine_notanumber",
	}
	assert.Panics(t, func() { e.AddMachine(rd) })
}

func TestSecondScheduleWithoutTerminalEventDropped(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: 100}
	e, err := New(dir, clock.Clock())
	require.NoError(t, err)

	jd := simJob("quarry_simulation_job_1")
	e.TaskSubmitted(jd, jd.RootTask)
	e.TaskScheduled(jd.RootTask.UID, types.ResourceID(uuid.New()))
	clock.now = 200
	e.TaskScheduled(jd.RootTask.UID, types.ResourceID(uuid.New()))
	require.NoError(t, e.Close())

	taskEvents := strings.TrimSpace(readFile(t, dir, "task_events/part-00000-of-00500.csv"))
	lines := strings.Split(taskEvents, "\n")
	// Submit + first schedule only; the duplicate schedule is dropped.
	require.Len(t, lines, 2)

	// After an eviction the task may be scheduled again.
	dir2 := t.TempDir()
	clock2 := &fakeClock{now: 100}
	e2, err := New(dir2, clock2.Clock())
	require.NoError(t, err)
	jd2 := simJob("quarry_simulation_job_2")
	e2.TaskSubmitted(jd2, jd2.RootTask)
	e2.TaskScheduled(jd2.RootTask.UID, types.ResourceID(uuid.New()))
	clock2.now = 300
	e2.TaskEvicted(jd2.RootTask.UID)
	clock2.now = 400
	e2.TaskScheduled(jd2.RootTask.UID, types.ResourceID(uuid.New()))
	require.NoError(t, e2.Close())

	taskEvents2 := strings.TrimSpace(readFile(t, dir2, "task_events/part-00000-of-00500.csv"))
	assert.Len(t, strings.Split(taskEvents2, "\n"), 4)
}

func TestSchedulerRunRow(t *testing.T) {
	dir := t.TempDir()
	e, err := New(dir, (&fakeClock{now: 77}).Clock())
	require.NoError(t, err)

	var cs dimacs.ChangeStats
	cs.UpdateStats(dimacs.AddTaskNode)
	e.SchedulerRun(SchedulerStats{
		SchedulerRuntimeUS: 10,
		AlgorithmRuntimeUS: 5,
		TotalRuntimeUS:     15,
	}, &cs)
	require.NoError(t, e.Close())

	got := strings.TrimSpace(readFile(t, dir, "scheduler_events/scheduler_events.csv"))
	assert.True(t, strings.HasPrefix(got, "77,10,5,15,1,0,0,0,0,"), got)
}

func TestEvictionAccumulatesRuntime(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: 0}
	e, err := New(dir, clock.Clock())
	require.NoError(t, err)

	jd := simJob("quarry_simulation_job_9")
	e.TaskSubmitted(jd, jd.RootTask)
	clock.now = 100
	e.TaskScheduled(jd.RootTask.UID, types.ResourceID(uuid.New()))
	clock.now = 400
	e.TaskEvicted(jd.RootTask.UID)
	clock.now = 500
	e.TaskScheduled(jd.RootTask.UID, types.ResourceID(uuid.New()))
	clock.now = 700
	e.TaskCompleted(jd.RootTask.UID)
	require.NoError(t, e.Close())

	runtime := strings.TrimSpace(readFile(t, dir, "task_runtime_events/task_runtime_events.csv"))
	// total = (400-100) + (700-500) = 500; last runtime = 200; two runs.
	assert.Equal(t, "9,0,9,0,500,200,2", runtime)
}
