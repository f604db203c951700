package server

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/simcalib/internal/config"
	"github.com/cwbudde/simcalib/internal/optimizer"
	"github.com/cwbudde/simcalib/internal/recorder"
)

// JobState represents the current state of a job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the job can no longer change.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Job is one calibration run submitted to the server.
//
// State is the lifecycle of the job. OptimizerState is the terminal
// state the optimizer reported (converged, max-iterations, aborted); a
// job whose optimizer aborted still completes.
type Job struct {
	ID     string         `json:"id"`
	State  JobState       `json:"state"`
	Config *config.Config `json:"config"`

	ParameterNames    []string           `json:"parameterNames,omitempty"`
	Parameters        []float64          `json:"parameters,omitempty"`
	Physical          map[string]float64 `json:"physical,omitempty"`
	ResidualNorm      *float64           `json:"residualNorm,omitempty"`
	FirstResidualNorm *float64           `json:"firstResidualNorm,omitempty"`
	Iterations        int                `json:"iterations"`
	Evaluations       int                `json:"evaluations"`

	OptimizerState optimizer.State `json:"optimizerState"`
	Phase          optimizer.Phase `json:"phase,omitempty"`
	Reason         string          `json:"reason,omitempty"`

	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Error     string     `json:"error,omitempty"`

	history *recorder.Result
	cancel  context.CancelFunc
}

// clone copies the exported view of a job so it can be read without the
// manager lock.
func (j *Job) clone() *Job {
	c := *j
	c.ParameterNames = slices.Clone(j.ParameterNames)
	c.Parameters = slices.Clone(j.Parameters)
	if j.Physical != nil {
		c.Physical = make(map[string]float64, len(j.Physical))
		for k, v := range j.Physical {
			c.Physical[k] = v
		}
	}
	return &c
}

// JobManager manages the lifecycle of jobs
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	broadcaster *EventBroadcaster
}

// NewJobManager creates a new JobManager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob registers a pending job for the given configuration.
func (jm *JobManager) CreateJob(cfg *config.Config) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:             uuid.New().String(),
		State:          StatePending,
		Config:         cfg,
		OptimizerState: optimizer.Iterating,
		StartTime:      time.Now(),
		history:        recorder.NewResult(),
	}

	jm.jobs[job.ID] = job
	return job.clone()
}

// GetJob returns a copy of the job with the given ID.
func (jm *JobManager) GetJob(id string) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, false
	}
	return job.clone(), true
}

// ListJobs returns copies of all jobs, oldest first.
func (jm *JobManager) ListJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, job.clone())
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].StartTime.Before(jobs[k].StartTime)
	})
	return jobs
}

// UpdateJob atomically updates a job using the provided function
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	updateFn(job)
	return nil
}

// GetRunningJobs returns all jobs currently in the running state
func (jm *JobManager) GetRunningJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	runningJobs := make([]*Job, 0)
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			runningJobs = append(runningJobs, job.clone())
		}
	}
	return runningJobs
}

// History returns the live recorder of a job.
func (jm *JobManager) History(id string) (*recorder.Result, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, false
	}
	return job.history, true
}

// Cancel stops a pending or running job. It returns false if the job does
// not exist or has already finished.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	job, exists := jm.jobs[id]
	if !exists || job.State.Terminal() {
		jm.mu.Unlock()
		return false
	}
	cancel := job.cancel
	if cancel == nil {
		// Not started yet; the worker sees the state and never runs.
		now := time.Now()
		job.State = StateCancelled
		job.EndTime = &now
	}
	jm.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// CancelAll cancels every job that has not finished yet.
func (jm *JobManager) CancelAll() {
	jm.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		if !job.State.Terminal() && job.cancel != nil {
			cancels = append(cancels, job.cancel)
		}
	}
	jm.mu.RUnlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// start moves a pending job to running and attaches a cancellable
// context to it.
func (jm *JobManager) start(parent context.Context, id string) (context.Context, context.CancelFunc, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, nil, fmt.Errorf("job not found: %s", id)
	}
	if job.State != StatePending {
		return nil, nil, fmt.Errorf("job %s is %s", id, job.State)
	}
	ctx, cancel := context.WithCancel(parent)
	job.cancel = cancel
	job.State = StateRunning
	job.StartTime = time.Now()
	return ctx, cancel, nil
}
