package types

import "sync"

// The registries below are owned by the scheduling driver. Cost models read
// them by id; all writes happen under the driver's scheduling lock, the
// internal mutexes only make stray concurrent reads safe.

// TaskMap is the registry of all live task descriptors.
type TaskMap struct {
	mu    sync.RWMutex
	tasks map[TaskID]*TaskDescriptor
}

func NewTaskMap() *TaskMap {
	return &TaskMap{tasks: make(map[TaskID]*TaskDescriptor)}
}

// FindPtrOrNil returns the descriptor for id, or nil if absent.
func (m *TaskMap) FindPtrOrNil(id TaskID) *TaskDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tasks[id]
}

// InsertIfNotPresent adds td under its UID and reports whether an insert
// took place.
func (m *TaskMap) InsertIfNotPresent(td *TaskDescriptor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[td.UID]; ok {
		return false
	}
	m.tasks[td.UID] = td
	return true
}

func (m *TaskMap) Delete(id TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
}

func (m *TaskMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// JobMap is the registry of all live job descriptors.
type JobMap struct {
	mu   sync.RWMutex
	jobs map[JobID]*JobDescriptor
}

func NewJobMap() *JobMap {
	return &JobMap{jobs: make(map[JobID]*JobDescriptor)}
}

func (m *JobMap) FindPtrOrNil(id JobID) *JobDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

func (m *JobMap) InsertIfNotPresent(jd *JobDescriptor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := MustJobIDFromString(jd.UUID)
	if _, ok := m.jobs[id]; ok {
		return false
	}
	m.jobs[id] = jd
	return true
}

func (m *JobMap) Delete(id JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
}

// Range calls fn for every job until fn returns false.
func (m *JobMap) Range(fn func(*JobDescriptor) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, jd := range m.jobs {
		if !fn(jd) {
			return
		}
	}
}

// ResourceMap is the registry of all known resource descriptors.
type ResourceMap struct {
	mu        sync.RWMutex
	resources map[ResourceID]*ResourceDescriptor
}

func NewResourceMap() *ResourceMap {
	return &ResourceMap{resources: make(map[ResourceID]*ResourceDescriptor)}
}

func (m *ResourceMap) FindPtrOrNil(id ResourceID) *ResourceDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resources[id]
}

func (m *ResourceMap) InsertIfNotPresent(rd *ResourceDescriptor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := MustResourceIDFromString(rd.UUID)
	if _, ok := m.resources[id]; ok {
		return false
	}
	m.resources[id] = rd
	return true
}

func (m *ResourceMap) Delete(id ResourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resources, id)
}

// Range calls fn for every resource until fn returns false.
func (m *ResourceMap) Range(fn func(*ResourceDescriptor) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rd := range m.resources {
		if !fn(rd) {
			return
		}
	}
}
