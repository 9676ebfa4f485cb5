package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/sightline/internal/analysis"
	"github.com/kozaktomas/sightline/internal/constants"
	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/logger"
)

// JobStatus represents the status of an async job.
type JobStatus string

// JobStatus constants define the lifecycle states of an async job.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobKind tells bulk case analysis apart from a single footage unit.
type JobKind string

const (
	JobKindBulk JobKind = "bulk"
	JobKindUnit JobKind = "unit"
)

// AnalysisJob represents an async analysis run.
type AnalysisJob struct {
	EventBroadcaster

	ID          string
	Kind        JobKind
	CaseID      string
	FootageID   string
	Status      JobStatus
	ItemsTotal  int
	ItemsDone   int
	Detections  int
	Failed      int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
	Result      any

	runCtx context.Context
}

// JobSnapshot is the JSON view of a job at one point in time.
type JobSnapshot struct {
	ID          string     `json:"id"`
	Kind        JobKind    `json:"kind"`
	CaseID      string     `json:"case_id"`
	FootageID   string     `json:"footage_id,omitempty"`
	Status      JobStatus  `json:"status"`
	ItemsTotal  int        `json:"items_total"`
	ItemsDone   int        `json:"items_done"`
	Detections  int        `json:"detections"`
	Failed      int        `json:"failed"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      any        `json:"result,omitempty"`
}

// Snapshot copies the job state under its lock.
func (j *AnalysisJob) Snapshot() JobSnapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return JobSnapshot{
		ID:          j.ID,
		Kind:        j.Kind,
		CaseID:      j.CaseID,
		FootageID:   j.FootageID,
		Status:      j.Status,
		ItemsTotal:  j.ItemsTotal,
		ItemsDone:   j.ItemsDone,
		Detections:  j.Detections,
		Failed:      j.Failed,
		Error:       j.Error,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Result:      j.Result,
	}
}

// GetStatus returns the current job status (implements SSEJob).
func (j *AnalysisJob) GetStatus() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// Cancel cancels the job. Units interrupted mid-flight go back to pending.
func (j *AnalysisJob) Cancel() {
	j.mu.Lock()
	if isJobTerminal(j.Status) {
		j.mu.Unlock()
		return
	}
	j.Status = JobStatusCancelled
	now := time.Now()
	j.CompletedAt = &now
	j.mu.Unlock()
	j.EventBroadcaster.Cancel()
}

// JobEvent represents an event from a job.
type JobEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// EventBroadcaster provides listener management and event broadcasting for async jobs.
// Embed this in job structs to get AddListener, RemoveListener, and SendEvent methods.
type EventBroadcaster struct {
	cancel    context.CancelFunc
	listeners []chan JobEvent
	mu        sync.RWMutex
}

// AddListener adds an event listener.
func (b *EventBroadcaster) AddListener() chan JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan JobEvent, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener.
func (b *EventBroadcaster) RemoveListener(ch chan JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners.
func (b *EventBroadcaster) SendEvent(event JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// Cancel cancels the job via context and sends a cancelled event.
func (b *EventBroadcaster) Cancel() {
	if b.cancel != nil {
		b.cancel()
	}
	b.SendEvent(JobEvent{Type: "cancelled", Message: "Job cancelled by user"})
}

// SSEJob is the interface required by streamSSEEvents to stream job events via SSE.
type SSEJob interface {
	AddListener() chan JobEvent
	RemoveListener(ch chan JobEvent)
	GetStatus() JobStatus
}

// AnalysisRunner runs analysis work; *analysis.Orchestrator implements it.
type AnalysisRunner interface {
	RunConcurrent(ctx context.Context, caseID string, concurrency int, progress func(analysis.Progress)) (*analysis.BulkResult, error)
	RunUnit(ctx context.Context, caseID, footageID string) (*analysis.UnitResult, error)
}

// JobManager runs analysis jobs in the background and keeps them for status
// queries. It is also the analysis scheduler of the web server.
type JobManager struct {
	jobs        map[string]*AnalysisJob
	mu          sync.RWMutex
	runner      AnalysisRunner
	concurrency int
	log         *logger.Logger

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewJobManager creates a new job manager.
func NewJobManager(runner AnalysisRunner, concurrency int, log *logger.Logger) *JobManager {
	if concurrency <= 0 {
		concurrency = constants.DefaultConcurrency
	}
	if log == nil {
		log = logger.Nop()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &JobManager{
		jobs:        make(map[string]*AnalysisJob),
		runner:      runner,
		concurrency: concurrency,
		log:         log,
		ctx:         ctx,
		stop:        stop,
	}
}

var errJobManagerClosed = errors.New("job manager is shut down")

// Enqueue starts bulk analysis of a case (implements analysis.Scheduler).
func (m *JobManager) Enqueue(_ context.Context, caseID string) error {
	_, err := m.StartBulk(caseID)
	return err
}

// StartBulk starts bulk analysis of a case. A bulk job already running for
// the case is returned instead of starting a second one.
func (m *JobManager) StartBulk(caseID string) (*AnalysisJob, error) {
	m.mu.Lock()
	for _, job := range m.jobs {
		if job.Kind == JobKindBulk && job.CaseID == caseID && !isJobTerminal(job.GetStatus()) {
			m.mu.Unlock()
			return job, nil
		}
	}
	job, err := m.createLocked(JobKindBulk, caseID, "")
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.launch(job, func(ctx context.Context) (any, error) {
		res, err := m.runner.RunConcurrent(ctx, caseID, m.concurrency, func(p analysis.Progress) {
			job.mu.Lock()
			job.ItemsTotal = p.ItemsTotal
			job.ItemsDone = p.ItemsDone
			if p.Last != nil {
				job.Detections += p.Last.Detections
				if p.Last.Status == database.MatchFailed {
					job.Failed++
				}
			}
			job.mu.Unlock()
			job.SendEvent(JobEvent{Type: "progress", Data: p})
		})
		if res != nil {
			job.mu.Lock()
			job.ItemsTotal = res.ItemsTotal
			job.mu.Unlock()
		}
		return res, err
	})
	return job, nil
}

// StartUnit starts analysis of one footage item of a case.
func (m *JobManager) StartUnit(caseID, footageID string) (*AnalysisJob, error) {
	m.mu.Lock()
	job, err := m.createLocked(JobKindUnit, caseID, footageID)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.launch(job, func(ctx context.Context) (any, error) {
		job.mu.Lock()
		job.ItemsTotal = 1
		job.mu.Unlock()
		res, err := m.runner.RunUnit(ctx, caseID, footageID)
		if res != nil {
			job.mu.Lock()
			job.ItemsDone = 1
			job.Detections = res.Detections
			if res.Status == database.MatchFailed {
				job.Failed = 1
			}
			job.mu.Unlock()
		}
		return res, err
	})
	return job, nil
}

func (m *JobManager) createLocked(kind JobKind, caseID, footageID string) (*AnalysisJob, error) {
	if m.closed {
		return nil, errJobManagerClosed
	}
	ctx, cancel := context.WithCancel(m.ctx)
	job := &AnalysisJob{
		ID:        uuid.New().String(),
		Kind:      kind,
		CaseID:    caseID,
		FootageID: footageID,
		Status:    JobStatusPending,
		StartedAt: time.Now(),
	}
	job.cancel = cancel
	job.runCtx = ctx
	m.jobs[job.ID] = job
	return job, nil
}

func (m *JobManager) launch(job *AnalysisJob, run func(ctx context.Context) (any, error)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer job.cancel()

		job.mu.Lock()
		if job.Status == JobStatusCancelled {
			job.mu.Unlock()
			return
		}
		job.Status = JobStatusRunning
		job.mu.Unlock()
		job.SendEvent(JobEvent{Type: "started", Data: job.Snapshot()})

		log := m.log.With("job_id", job.ID, "case_id", job.CaseID, "kind", string(job.Kind))
		result, err := run(job.runCtx)

		now := time.Now()
		job.mu.Lock()
		job.Result = result
		switch {
		case job.Status == JobStatusCancelled:
		case errors.Is(err, context.Canceled):
			job.Status = JobStatusCancelled
			job.CompletedAt = &now
		case err != nil:
			job.Status = JobStatusFailed
			job.Error = err.Error()
			job.CompletedAt = &now
		default:
			job.Status = JobStatusCompleted
			job.CompletedAt = &now
		}
		status := job.Status
		job.mu.Unlock()

		switch status {
		case JobStatusFailed:
			log.Warn("analysis job failed", "error", err)
			job.SendEvent(JobEvent{Type: "job_error", Message: err.Error()})
		case JobStatusCompleted:
			log.Info("analysis job completed")
			job.SendEvent(JobEvent{Type: "completed", Data: result})
		default:
			log.Info("analysis job cancelled")
		}
	}()
}

// GetJob retrieves a job by ID.
func (m *JobManager) GetJob(id string) *AnalysisJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// DeleteJob removes a job.
func (m *JobManager) DeleteJob(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
}

// ListJobs returns all jobs.
func (m *JobManager) ListJobs() []*AnalysisJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*AnalysisJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// Wait blocks until every started job has returned.
func (m *JobManager) Wait() {
	m.wg.Wait()
}

// Shutdown stops accepting jobs, cancels the running ones and waits for them
// or for ctx, whichever comes first.
func (m *JobManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
