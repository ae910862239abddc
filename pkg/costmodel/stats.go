package costmodel

import (
	"sync"
	"time"

	"github.com/quarrylabs/quarry/pkg/types"
)

// RuntimeStats is the scheduler's knowledge base: observed runtimes per
// equivalence class plus task submission times. SJF prices arcs from the
// runtime averages; other models, Whare among them, read only the wait
// times. The driver records runtimes when a task completes.
type RuntimeStats struct {
	mu          sync.RWMutex
	totals      map[types.EquivClass]uint64
	counts      map[types.EquivClass]uint64
	submitTimes map[types.TaskID]uint64
	now         func() uint64
}

// NewRuntimeStats builds an empty knowledge base. now returns the current
// time in microseconds; pass nil for the wall clock.
func NewRuntimeStats(now func() uint64) *RuntimeStats {
	if now == nil {
		now = func() uint64 { return uint64(time.Now().UnixMicro()) }
	}
	return &RuntimeStats{
		totals:      make(map[types.EquivClass]uint64),
		counts:      make(map[types.EquivClass]uint64),
		submitTimes: make(map[types.TaskID]uint64),
		now:         now,
	}
}

// Now returns the knowledge base's notion of the current time (µs).
func (s *RuntimeStats) Now() uint64 { return s.now() }

// RecordRuntime folds one observed runtime (µs) into the EC's average.
func (s *RuntimeStats) RecordRuntime(ec types.EquivClass, runtime uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals[ec] += runtime
	s.counts[ec]++
}

// AvgRuntime returns the average observed runtime for an EC.
func (s *RuntimeStats) AvgRuntime(ec types.EquivClass) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.counts[ec]
	if c == 0 {
		return 0, false
	}
	return s.totals[ec] / c, true
}

// TaskSubmitted records when a task entered the system.
func (s *RuntimeStats) TaskSubmitted(id types.TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.submitTimes[id]; !ok {
		s.submitTimes[id] = s.now()
	}
}

// TaskRemoved forgets a task's submission time.
func (s *RuntimeStats) TaskRemoved(id types.TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.submitTimes, id)
}

// WaitTime returns how long the task has been waiting, in microseconds.
// Unknown tasks report zero wait.
func (s *RuntimeStats) WaitTime(id types.TaskID) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	submitted, ok := s.submitTimes[id]
	if !ok {
		return 0
	}
	now := s.now()
	if now < submitted {
		return 0
	}
	return now - submitted
}
