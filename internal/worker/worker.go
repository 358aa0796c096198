// Package worker runs queued jobs in the background. A Service polls one
// workspace's queue, claims jobs up to the workspace's concurrency limit and
// executes them; a Manager keeps one Service per workspace.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/stageline/internal/documents"
	"github.com/zulandar/stageline/internal/executor"
	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/notify"
	"github.com/zulandar/stageline/internal/pipeline"
	"github.com/zulandar/stageline/internal/queue"
	"github.com/zulandar/stageline/internal/ratelimit"
	"github.com/zulandar/stageline/internal/validation"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

// Worker states reported by Status.
const (
	StateStopped   = "stopped"
	StateSleeping  = "sleeping"
	StatePolling   = "polling"
	StateExecuting = "executing"
)

// Notifier records user-facing notifications.
type Notifier interface {
	Emit(ctx context.Context, ev notify.Event) (*models.Notification, error)
}

// Listener is told about every job that reached a terminal state.
type Listener interface {
	JobFinished(ctx context.Context, job *models.Job)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, job *models.Job)

// JobFinished calls f.
func (f ListenerFunc) JobFinished(ctx context.Context, job *models.Job) { f(ctx, job) }

// Options tunes the poll loop.
type Options struct {
	PollInterval     time.Duration
	StaleThreshold   time.Duration
	ExecutionTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 10 * time.Second
	}
	if o.ExecutionTimeout <= 0 {
		o.ExecutionTimeout = 10 * time.Minute
	}
	return o
}

// Deps are the collaborators a Service needs.
type Deps struct {
	DB        *gorm.DB
	Queue     *queue.Queue
	Executor  executor.Executor
	Budget    *ratelimit.Budget
	Documents *documents.Store
	Notifier  Notifier
	Log       *slog.Logger
}

// Status is a point-in-time view of a Service. It is derived, never stored.
type Status struct {
	WorkspaceID        string              `json:"workspaceId"`
	WorkerID           string              `json:"workerId"`
	IsRunning          bool                `json:"isRunning"`
	State              string              `json:"state"`
	Healthy            bool                `json:"healthy"`
	ActiveJobs         int                 `json:"activeJobs"`
	ProcessedCount     int64               `json:"processedCount"`
	FailedCount        int64               `json:"failedCount"`
	LastPollAt         *time.Time          `json:"lastPollAt"`
	RateLimitRemaining ratelimit.Remaining `json:"rateLimitRemaining"`
}

// Service processes the job queue of one workspace.
type Service struct {
	workspaceID string
	workerID    string
	deps        Deps
	opts        Options
	log         *slog.Logger

	// pollMu serializes ticks so the poll loop is the only claimer.
	pollMu  sync.Mutex
	trigger chan struct{}

	mu         sync.Mutex
	running    bool
	state      string
	cancel     context.CancelFunc
	done       chan struct{}
	sem        *semaphore.Weighted
	semSize    int
	lastPollAt time.Time
	listeners  []Listener

	active    atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	inflight  sync.WaitGroup

	// Now returns the current time. Tests replace it to drive the hybrid
	// fallback window.
	Now func() time.Time
}

// NewService creates a stopped Service for a workspace.
func NewService(workspaceID string, deps Deps, opts Options) *Service {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Budget == nil {
		deps.Budget = ratelimit.New(ratelimit.Config{})
	}
	return &Service{
		workspaceID: workspaceID,
		workerID:    queue.WorkerIDPrefix + uuid.NewString()[:8],
		deps:        deps,
		opts:        opts.withDefaults(),
		log:         deps.Log.With("workspace", workspaceID),
		trigger:     make(chan struct{}, 1),
		state:       StateStopped,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// WorkerID returns the id this service claims jobs under.
func (s *Service) WorkerID() string { return s.workerID }

// AddListener registers l for terminal job events.
func (s *Service) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start launches the poll loop. It runs until Stop is called or ctx is
// cancelled. Starting a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = StateSleeping
	s.mu.Unlock()

	// Jobs left running by a previous process will never be finished.
	cutoff := s.Now().Add(-s.opts.ExecutionTimeout)
	if _, err := s.deps.Queue.RequeueStale(ctx, s.workspaceID, cutoff); err != nil {
		s.log.Warn("requeue stale jobs failed", "error", err)
	}

	go s.loop(loopCtx)
	return nil
}

// Stop ends the poll loop so no new jobs are claimed, then waits for
// in-flight executions to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.inflight.Wait()
}

// Wait blocks until in-flight executions finish.
func (s *Service) Wait() { s.inflight.Wait() }

// TriggerProcessing asks the poll loop to poll now. It never blocks;
// triggers arriving while one is pending are coalesced.
func (s *Service) TriggerProcessing() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Healthy reports whether the loop is running and polled recently.
func (s *Service) Healthy(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && !s.lastPollAt.IsZero() && now.Sub(s.lastPollAt) < s.opts.StaleThreshold
}

// Status returns the current worker status.
func (s *Service) Status() Status {
	healthy := s.Healthy(s.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		WorkspaceID:        s.workspaceID,
		WorkerID:           s.workerID,
		IsRunning:          s.running,
		State:              s.state,
		Healthy:            healthy,
		ActiveJobs:         int(s.active.Load()),
		ProcessedCount:     s.processed.Load(),
		FailedCount:        s.failed.Load(),
		RateLimitRemaining: s.deps.Budget.Remaining(),
	}
	if !s.lastPollAt.IsZero() {
		t := s.lastPollAt
		st.LastPollAt = &t
	}
	return st
}

func (s *Service) loop(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.state = StateStopped
		s.mu.Unlock()
		close(s.done)
	}()
	s.log.Info("worker started", "worker", s.workerID)

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("worker tick failed", "error", err)
		}
		if !s.waitForWork(ctx) {
			s.log.Info("worker stopped", "worker", s.workerID)
			return
		}
	}
}

// waitForWork sleeps for the poll interval or until triggered. It returns
// false once ctx is done.
func (s *Service) waitForWork(ctx context.Context) bool {
	timer := time.NewTimer(s.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.trigger:
		return true
	case <-timer.C:
		return true
	}
}

func (s *Service) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// semaphore returns the execution semaphore sized for limit. A resized
// semaphore does not see earlier holders; the claim limit accounts for them.
func (s *Service) semaphore(limit int) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sem == nil || s.semSize != limit {
		s.sem = semaphore.NewWeighted(int64(limit))
		s.semSize = limit
	}
	return s.sem
}

// Tick performs one poll: it applies the workspace's execution mode, claims
// up to the free concurrency and starts executing the claimed jobs. It
// returns the number of jobs claimed.
func (s *Service) Tick(ctx context.Context) (int, error) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	now := s.Now()
	s.mu.Lock()
	s.state = StatePolling
	s.lastPollAt = now
	s.mu.Unlock()
	defer func() {
		if s.active.Load() > 0 {
			s.setState(StateExecuting)
		} else {
			s.setState(StateSleeping)
		}
	}()

	var ws models.Workspace
	if err := s.deps.DB.WithContext(ctx).Where("id = ?", s.workspaceID).First(&ws).Error; err != nil {
		return 0, fmt.Errorf("worker: load workspace %s: %w", s.workspaceID, err)
	}

	var opts queue.ClaimOptions
	switch pipeline.ExecutionMode(ws.AIExecutionMode) {
	case pipeline.ExecCursor:
		n, err := s.deps.Queue.MarkAwaitingAgent(ctx, ws.ID, time.Time{})
		if err != nil {
			return 0, err
		}
		if n > 0 {
			s.log.Info("jobs handed to agent", "count", n)
		}
		return 0, nil
	case pipeline.ExecHybrid:
		cutoff := now.Add(-time.Duration(ws.AIFallbackAfterMinutes) * time.Minute)
		n, err := s.deps.Queue.MarkAwaitingAgent(ctx, ws.ID, cutoff)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			s.log.Info("jobs handed to agent", "count", n, "fallback_after", ws.AIFallbackAfterMinutes)
		}
		opts.CreatedBefore = cutoff
	}

	if !s.deps.Budget.Available() {
		s.log.Debug("rate budget exhausted, not claiming")
		return 0, nil
	}

	limit := ws.WorkerMaxConcurrency
	if limit < 1 {
		limit = 1
	}
	sem := s.semaphore(limit)
	free := limit - int(s.active.Load())
	// Each claimed job spends one request.
	if left := s.deps.Budget.Remaining().Requests; left < free {
		free = left
	}
	if free <= 0 {
		return 0, nil
	}

	jobs, err := s.deps.Queue.Claim(ctx, ws.ID, s.workerID, free, opts)
	for i := range jobs {
		job := jobs[i]
		if !sem.TryAcquire(1) {
			if relErr := s.deps.Queue.Release(ctx, job.ID, s.workerID, 0); relErr != nil {
				s.log.Warn("release unstarted job failed", "job", job.ID, "error", relErr)
			}
			continue
		}
		s.active.Add(1)
		s.inflight.Add(1)
		go s.run(ctx, sem, &job, ws)
	}
	if err != nil {
		return len(jobs), fmt.Errorf("worker: claim: %w", err)
	}
	if len(jobs) > 0 {
		s.log.Info("claimed jobs", "count", len(jobs))
	}
	return len(jobs), nil
}

func (s *Service) run(ctx context.Context, sem *semaphore.Weighted, job *models.Job, ws models.Workspace) {
	defer func() {
		sem.Release(1)
		s.active.Add(-1)
		s.inflight.Done()
	}()
	// A stop halts claiming only. Claimed jobs run to completion.
	bg := context.WithoutCancel(ctx)
	s.refreshProject(bg, job.ProjectID, "")

	req, err := s.request(bg, job)
	if err != nil {
		s.logErr(s.fail(bg, job, s.workerID, err), job)
		return
	}

	execCtx, cancel := context.WithTimeout(bg, s.opts.ExecutionTimeout)
	res, err := s.deps.Executor.Execute(execCtx, req)
	cancel()

	tokens := 0
	if res != nil {
		tokens = res.TokensUsed
	}
	s.deps.Budget.Spend(tokens)

	switch {
	case errors.Is(err, executor.ErrRateLimited):
		delay := s.deps.Queue.Policy().BaseDelay
		s.log.Warn("executor rate limited, releasing job", "job", job.ID, "delay", delay)
		s.logErr(s.deps.Queue.Release(bg, job.ID, s.workerID, delay), job)
	case errors.Is(err, context.DeadlineExceeded):
		s.logErr(s.fail(bg, job, s.workerID, fmt.Errorf("execution timed out after %s", s.opts.ExecutionTimeout)), job)
	case err != nil:
		s.logErr(s.fail(bg, job, s.workerID, err), job)
	default:
		s.logErr(s.complete(bg, job, s.workerID, pipeline.ValidationMode(ws.AIValidationMode), res.Output), job)
	}
}

func (s *Service) logErr(err error, job *models.Job) {
	if err != nil {
		s.log.Error("job bookkeeping failed", "job", job.ID, "type", job.Type, "error", err)
	}
}

func (s *Service) request(ctx context.Context, job *models.Job) (executor.Request, error) {
	req := executor.Request{Job: *job}
	if job.ProjectID == "" {
		return req, nil
	}
	var project models.Project
	if err := s.deps.DB.WithContext(ctx).Where("id = ?", job.ProjectID).First(&project).Error; err != nil {
		return req, fmt.Errorf("worker: load project %s: %w", job.ProjectID, err)
	}
	req.Project = &project
	if s.deps.Documents != nil {
		docs, err := s.deps.Documents.List(ctx, job.ProjectID)
		if err != nil {
			return req, err
		}
		req.Documents = docs
	}
	return req, nil
}

// complete validates output and finishes a job claimed by workerID. Output
// that fails schema validation is recorded as a failed attempt.
func (s *Service) complete(ctx context.Context, job *models.Job, workerID string, mode pipeline.ValidationMode, output map[string]any) error {
	jobType := pipeline.JobType(job.Type)
	warnings, verr := validation.Check(mode, jobType, output)
	if verr != nil {
		return s.fail(ctx, job, workerID, verr)
	}

	done, err := s.deps.Queue.Complete(ctx, job.ID, workerID, output, warnings)
	if err != nil {
		return err
	}
	if docType, ok := pipeline.JobDocument(jobType); ok && done.ProjectID != "" && s.deps.Documents != nil {
		if title, content, ok := executor.DocumentFromOutput(output); ok {
			if _, err := s.deps.Documents.Save(ctx, documents.Input{
				ProjectID:   done.ProjectID,
				Type:        docType,
				Title:       title,
				Content:     content,
				GeneratedBy: documents.GeneratedByAI,
			}); err != nil {
				s.log.Error("save generated document failed", "job", done.ID, "error", err)
			}
		}
	}

	s.processed.Add(1)
	s.log.Info("job completed", "job", done.ID, "type", done.Type, "warnings", len(warnings))
	s.refreshProject(ctx, done.ProjectID, queue.StatusCompleted)
	s.emit(ctx, notify.Event{
		WorkspaceID: done.WorkspaceID,
		ProjectID:   done.ProjectID,
		JobID:       done.ID,
		Type:        notify.TypeJobCompleted,
		Title:       fmt.Sprintf("%s completed", done.Type),
		Message:     completionMessage(done),
	})
	s.finished(ctx, done)
	return nil
}

// fail records a failed attempt. Only a job with no attempts left counts as
// failed and is announced.
func (s *Service) fail(ctx context.Context, job *models.Job, workerID string, cause error) error {
	after, err := s.deps.Queue.Fail(ctx, job.ID, workerID, cause)
	if err != nil {
		return err
	}
	if after.Status != queue.StatusFailed {
		s.log.Warn("job attempt failed, retry scheduled", "job", after.ID, "attempt", after.Attempt, "run_at", after.RunAt, "error", cause)
		s.refreshProject(ctx, after.ProjectID, "")
		return nil
	}

	s.failed.Add(1)
	s.refreshProject(ctx, after.ProjectID, queue.StatusFailed)
	s.emit(ctx, notify.Event{
		WorkspaceID: after.WorkspaceID,
		ProjectID:   after.ProjectID,
		JobID:       after.ID,
		Type:        notify.TypeJobFailed,
		Title:       fmt.Sprintf("%s failed", after.Type),
		Message:     fmt.Sprintf("Job failed after %d attempts.", after.Attempt),
		Action: &models.NotificationAction{
			Type:  notify.ActionRetryJob,
			Label: "Retry",
			Data:  map[string]any{"jobId": after.ID},
		},
		Metadata: models.NotificationMetadata{
			ErrorDetails:  after.Error,
			SuggestedFix:  "Check the executor configuration, then retry the job.",
			RelatedEntity: "job:" + after.ID,
		},
	})
	s.finished(ctx, after)
	return nil
}

func (s *Service) finished(ctx context.Context, job *models.Job) {
	s.mu.Lock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l.JobFinished(ctx, job)
	}
}

func (s *Service) emit(ctx context.Context, ev notify.Event) {
	if s.deps.Notifier == nil {
		return
	}
	if _, err := s.deps.Notifier.Emit(ctx, ev); err != nil && !errors.Is(err, notify.ErrSuppressed) {
		s.log.Warn("emit notification failed", "type", ev.Type, "error", err)
	}
}

// refreshProject derives a project's activeJobStatus from its jobs. When no
// job is active the status becomes last, the outcome of the job that just
// finished.
func (s *Service) refreshProject(ctx context.Context, projectID, last string) {
	if projectID == "" {
		return
	}
	counts, err := queue.ProjectSummary(s.deps.DB.WithContext(ctx), projectID)
	if err != nil {
		s.log.Warn("summarize project jobs failed", "project", projectID, "error", err)
		return
	}
	status := last
	switch {
	case counts[queue.StatusRunning] > 0:
		status = queue.StatusRunning
	case counts[queue.StatusPending] > 0:
		status = queue.StatusPending
	}
	if err := s.deps.DB.WithContext(ctx).Model(&models.Project{}).
		Where("id = ?", projectID).
		Update("active_job_status", status).Error; err != nil {
		s.log.Warn("update project job status failed", "project", projectID, "error", err)
	}
}

func completionMessage(job *models.Job) string {
	if len(job.Warnings) > 0 {
		return fmt.Sprintf("Completed with %d warning(s): %s", len(job.Warnings), job.Warnings[0])
	}
	return "Completed successfully."
}
