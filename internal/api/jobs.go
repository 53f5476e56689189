package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobKind names the research run a job performs.
type JobKind string

const (
	JobBacktest    JobKind = "backtest"
	JobMonteCarlo  JobKind = "montecarlo"
	JobOptimize    JobKind = "optimize"
	JobWalkForward JobKind = "walkforward"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Finished reports whether the job reached a terminal state.
func (s JobStatus) Finished() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is a snapshot of an asynchronous research run.
type Job struct {
	ID         string      `json:"id"`
	Kind       JobKind     `json:"kind"`
	Status     JobStatus   `json:"status"`
	Done       int         `json:"done"`
	Total      int         `json:"total"`
	Error      string      `json:"error,omitempty"`
	Result     interface{} `json:"result,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	StartedAt  *time.Time  `json:"startedAt,omitempty"`
	FinishedAt *time.Time  `json:"finishedAt,omitempty"`
}

// DefaultJobRetention bounds how many jobs the store remembers.
const DefaultJobRetention = 256

// JobStore keeps jobs in creation order. Once more than limit jobs are held
// the oldest finished ones are forgotten.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string
	limit int
}

// NewJobStore creates a store retaining at most limit jobs.
func NewJobStore(limit int) *JobStore {
	if limit <= 0 {
		limit = DefaultJobRetention
	}
	return &JobStore{
		jobs:  make(map[string]*Job),
		limit: limit,
	}
}

// Create registers a queued job of kind.
func (s *JobStore) Create(kind JobKind) Job {
	job := &Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    JobQueued,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	s.evict()
	return *job
}

// Get returns a snapshot of job id.
func (s *JobStore) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// List returns every job newest first, without results.
func (s *JobStore) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		job := *s.jobs[s.order[i]]
		job.Result = nil
		out = append(out, job)
	}
	return out
}

// Remove forgets job id.
func (s *JobStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return
	}
	delete(s.jobs, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Start marks job id running.
func (s *JobStore) Start(id string) (Job, bool) {
	return s.update(id, func(j *Job) {
		now := time.Now()
		j.Status = JobRunning
		j.StartedAt = &now
	})
}

// Progress records done of total units of work.
func (s *JobStore) Progress(id string, done, total int) (Job, bool) {
	return s.update(id, func(j *Job) {
		j.Done = done
		j.Total = total
	})
}

// Complete stores the result of job id.
func (s *JobStore) Complete(id string, result interface{}) (Job, bool) {
	return s.update(id, func(j *Job) {
		now := time.Now()
		j.Status = JobCompleted
		j.Result = result
		j.FinishedAt = &now
	})
}

// Fail records err against job id.
func (s *JobStore) Fail(id string, err error) (Job, bool) {
	return s.update(id, func(j *Job) {
		now := time.Now()
		j.Status = JobFailed
		j.Error = err.Error()
		j.FinishedAt = &now
	})
}

func (s *JobStore) update(id string, fn func(*Job)) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	fn(job)
	return *job, true
}

// evict drops the oldest finished jobs over the limit. Caller holds mu.
func (s *JobStore) evict() {
	for i := 0; len(s.order) > s.limit && i < len(s.order); {
		id := s.order[i]
		if !s.jobs[id].Status.Finished() {
			i++
			continue
		}
		delete(s.jobs, id)
		s.order = append(s.order[:i], s.order[i+1:]...)
	}
}
