// Package queue implements the persistent job queue: creation, atomic claims,
// completion, and the retry policy applied to failed executions.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/pipeline"
	"gorm.io/gorm"
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNotClaimed is returned when a job is not in the state the caller
// expected, for example completing a job owned by another worker.
var ErrNotClaimed = errors.New("queue: job not claimed by worker")

// StructuralError reports a job request that can never succeed.
type StructuralError struct {
	Field  string
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("queue: invalid %s: %s", e.Field, e.Reason)
}

// RetryPolicy bounds how often and how soon a failed job is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy allows three attempts with exponential backoff starting
// at 30s and capped at 10m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute}
}

// Backoff returns the delay before the retry that follows the given attempt
// (1-based): BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// CreateRequest describes a job to enqueue.
type CreateRequest struct {
	WorkspaceID    string           `json:"workspaceId" binding:"required"`
	ProjectID      string           `json:"projectId"`
	Type           pipeline.JobType `json:"type" binding:"required"`
	Input          map[string]any   `json:"input"`
	IterationRunID *string          `json:"-"`
}

// ClaimOptions narrows which pending jobs a claim considers.
type ClaimOptions struct {
	// CreatedBefore, when non-zero, only claims jobs created at or before it.
	CreatedBefore time.Time
}

// Filter selects jobs for List.
type Filter struct {
	WorkspaceID string
	ProjectID   string
	Status      string
	Type        string
	Limit       int
}

// Queue is the job queue backed by the jobs table.
type Queue struct {
	db     *gorm.DB
	policy RetryPolicy
	log    *slog.Logger

	// Now returns the current time. Tests replace it to control deferral.
	Now func() time.Time
}

// New creates a Queue. A zero policy uses DefaultRetryPolicy.
func New(gormDB *gorm.DB, policy RetryPolicy, log *slog.Logger) *Queue {
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		db:     gormDB,
		policy: policy,
		log:    log,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Policy returns the queue's retry policy.
func (q *Queue) Policy() RetryPolicy { return q.policy }

// Create validates and stores a pending job.
func (q *Queue) Create(ctx context.Context, req CreateRequest) (*models.Job, error) {
	job, err := q.CreateTx(q.db.WithContext(ctx), req)
	if err != nil {
		return nil, err
	}
	q.log.Info("job created", "job", job.ID, "type", job.Type, "project", job.ProjectID)
	return job, nil
}

// CreateTx stores a pending job using tx.
func (q *Queue) CreateTx(tx *gorm.DB, req CreateRequest) (*models.Job, error) {
	if req.WorkspaceID == "" {
		return nil, &StructuralError{Field: "workspaceId", Reason: "is required"}
	}
	if !req.Type.Valid() {
		return nil, &StructuralError{Field: "type", Reason: fmt.Sprintf("unknown job type %q", req.Type)}
	}
	job := &models.Job{
		ID:             uuid.NewString(),
		WorkspaceID:    req.WorkspaceID,
		ProjectID:      req.ProjectID,
		Type:           string(req.Type),
		Input:          req.Input,
		Status:         StatusPending,
		MaxAttempts:    q.policy.MaxAttempts,
		IterationRunID: req.IterationRunID,
		CreatedAt:      q.Now(),
	}
	if err := tx.Create(job).Error; err != nil {
		return nil, fmt.Errorf("queue: create %s job: %w", req.Type, err)
	}
	return job, nil
}

// Claim atomically assigns up to limit pending jobs of a workspace to
// workerID, oldest first. Deferred jobs (runAt in the future) are skipped.
// Each row is taken with a compare-and-set on status, so a job claimed by a
// concurrent worker is skipped rather than claimed twice.
func (q *Queue) Claim(ctx context.Context, workspaceID, workerID string, limit int, opts ClaimOptions) ([]models.Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("queue: workerID is required")
	}
	if limit <= 0 {
		return nil, nil
	}
	now := q.Now()

	query := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("workspace_id = ? AND status = ?", workspaceID, StatusPending).
		Where("run_at IS NULL OR run_at <= ?", now)
	if !opts.CreatedBefore.IsZero() {
		query = query.Where("created_at <= ?", opts.CreatedBefore)
	}
	var ids []string
	if err := query.Order("created_at ASC").Limit(limit).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("queue: find pending jobs: %w", err)
	}

	claimed := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.claimOne(ctx, id, workerID, now)
		if errors.Is(err, ErrNotClaimed) {
			continue
		}
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, *job)
	}
	return claimed, nil
}

// ClaimByID claims one specific pending job, typically on behalf of an
// external agent.
func (q *Queue) ClaimByID(ctx context.Context, jobID, workerID string) (*models.Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("queue: workerID is required")
	}
	return q.claimOne(ctx, jobID, workerID, q.Now())
}

func (q *Queue) claimOne(ctx context.Context, id, workerID string, now time.Time) (*models.Job, error) {
	res := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"status":         StatusRunning,
			"worker_id":      workerID,
			"attempt":        gorm.Expr("attempt + 1"),
			"started_at":     now,
			"awaiting_agent": false,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("queue: claim job %s: %w", id, res.Error)
	}
	if res.RowsAffected != 1 {
		return nil, ErrNotClaimed
	}
	return q.Get(ctx, id)
}

// Complete marks a running job owned by workerID as completed.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string, output map[string]any, warnings []string) (*models.Job, error) {
	now := q.Now()
	res := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND worker_id = ?", jobID, StatusRunning, workerID).
		Select("status", "output", "warnings", "error", "completed_at").
		Updates(&models.Job{
			Status:      StatusCompleted,
			Output:      output,
			Warnings:    warnings,
			Error:       "",
			CompletedAt: &now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("queue: complete job %s: %w", jobID, res.Error)
	}
	if res.RowsAffected != 1 {
		return nil, fmt.Errorf("queue: complete job %s: %w", jobID, ErrNotClaimed)
	}
	return q.Get(ctx, jobID)
}

// Fail records a failed execution. While attempts remain the job returns to
// pending, deferred by the retry backoff; otherwise it becomes failed.
func (q *Queue) Fail(ctx context.Context, jobID, workerID string, cause error) (*models.Job, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusRunning || job.WorkerID != workerID {
		return nil, fmt.Errorf("queue: fail job %s: %w", jobID, ErrNotClaimed)
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := q.Now()
	updates := map[string]interface{}{"error": msg}
	if job.Attempt < job.MaxAttempts {
		runAt := now.Add(q.policy.Backoff(job.Attempt))
		updates["status"] = StatusPending
		updates["run_at"] = runAt
		updates["worker_id"] = ""
	} else {
		updates["status"] = StatusFailed
		updates["completed_at"] = now
	}

	res := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND worker_id = ?", jobID, StatusRunning, workerID).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("queue: fail job %s: %w", jobID, res.Error)
	}
	if res.RowsAffected != 1 {
		return nil, fmt.Errorf("queue: fail job %s: %w", jobID, ErrNotClaimed)
	}
	q.log.Warn("job failed", "job", jobID, "attempt", job.Attempt, "max_attempts", job.MaxAttempts, "final", updates["status"] == StatusFailed, "error", msg)
	return q.Get(ctx, jobID)
}

// Release returns a running job to pending without consuming an attempt.
// The job becomes claimable again after delay.
func (q *Queue) Release(ctx context.Context, jobID, workerID string, delay time.Duration) error {
	updates := map[string]interface{}{
		"status":     StatusPending,
		"worker_id":  "",
		"attempt":    gorm.Expr("CASE WHEN attempt > 0 THEN attempt - 1 ELSE 0 END"),
		"started_at": nil,
	}
	if delay > 0 {
		updates["run_at"] = q.Now().Add(delay)
	}
	res := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND worker_id = ?", jobID, StatusRunning, workerID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("queue: release job %s: %w", jobID, res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("queue: release job %s: %w", jobID, ErrNotClaimed)
	}
	return nil
}

// MarkAwaitingAgent flags pending jobs of a workspace created after
// createdAfter as waiting for an external agent. A zero createdAfter flags
// every pending job. It returns the number of newly flagged jobs.
func (q *Queue) MarkAwaitingAgent(ctx context.Context, workspaceID string, createdAfter time.Time) (int64, error) {
	query := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("workspace_id = ? AND status = ? AND awaiting_agent = ?", workspaceID, StatusPending, false)
	if !createdAfter.IsZero() {
		query = query.Where("created_at > ?", createdAfter)
	}
	res := query.Update("awaiting_agent", true)
	if res.Error != nil {
		return 0, fmt.Errorf("queue: mark awaiting agent: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Retry resets a failed job to pending with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, jobID string) (*models.Job, error) {
	res := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, StatusFailed).
		Updates(map[string]interface{}{
			"status":       StatusPending,
			"attempt":      0,
			"error":        "",
			"worker_id":    "",
			"run_at":       nil,
			"completed_at": nil,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("queue: retry job %s: %w", jobID, res.Error)
	}
	if res.RowsAffected != 1 {
		if _, err := q.Get(ctx, jobID); err != nil {
			return nil, err
		}
		return nil, &StructuralError{Field: "status", Reason: "only failed jobs can be retried"}
	}
	q.log.Info("job retried", "job", jobID)
	return q.Get(ctx, jobID)
}

// WorkerIDPrefix marks jobs claimed by server-side workers. Jobs claimed by
// external agents carry the agent's own id.
const WorkerIDPrefix = "worker-"

// RequeueStale returns server-worker jobs started before cutoff to pending
// without consuming an attempt. It recovers jobs orphaned by a worker that
// died mid-execution. Jobs held by external agents are left alone.
func (q *Queue) RequeueStale(ctx context.Context, workspaceID string, cutoff time.Time) (int64, error) {
	res := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("workspace_id = ? AND status = ? AND started_at < ? AND worker_id LIKE ?",
			workspaceID, StatusRunning, cutoff, WorkerIDPrefix+"%").
		Updates(map[string]interface{}{
			"status":     StatusPending,
			"worker_id":  "",
			"attempt":    gorm.Expr("CASE WHEN attempt > 0 THEN attempt - 1 ELSE 0 END"),
			"started_at": nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("queue: requeue stale: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		q.log.Warn("requeued stale jobs", "workspace", workspaceID, "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := q.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, fmt.Errorf("queue: get job %s: %w", id, err)
	}
	return &job, nil
}

// List returns jobs matching f, newest first.
func (q *Queue) List(ctx context.Context, f Filter) ([]models.Job, error) {
	query := q.db.WithContext(ctx).Model(&models.Job{})
	if f.WorkspaceID != "" {
		query = query.Where("workspace_id = ?", f.WorkspaceID)
	}
	if f.ProjectID != "" {
		query = query.Where("project_id = ?", f.ProjectID)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.Type != "" {
		query = query.Where("type = ?", f.Type)
	}
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}
	var jobs []models.Job
	if err := query.Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("queue: list jobs: %w", err)
	}
	return jobs, nil
}

// ActiveCount returns the number of pending or running jobs of a project.
func ActiveCount(conn *gorm.DB, projectID string) (int64, error) {
	var n int64
	if err := conn.Model(&models.Job{}).
		Where("project_id = ? AND status IN ?", projectID, []string{StatusPending, StatusRunning}).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("queue: count active jobs: %w", err)
	}
	return n, nil
}

// ProjectSummary counts a project's jobs by status.
func ProjectSummary(conn *gorm.DB, projectID string) (map[string]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	if err := conn.Model(&models.Job{}).
		Select("status, COUNT(*) AS n").
		Where("project_id = ?", projectID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("queue: summarize jobs: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// IsTerminal reports whether status is completed or failed.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}
