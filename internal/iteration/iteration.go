// Package iteration runs batches of jury evaluations against a project and
// aggregates their verdicts. The project stays locked for stage transitions
// until every evaluation in the batch is terminal.
package iteration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/stageline/internal/documents"
	"github.com/zulandar/stageline/internal/executor"
	"github.com/zulandar/stageline/internal/jury"
	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/notify"
	"github.com/zulandar/stageline/internal/pipeline"
	"github.com/zulandar/stageline/internal/queue"
	"github.com/zulandar/stageline/internal/workflow"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Bounds on the number of iterations in one run.
const (
	MinIterations = 1
	MaxIterations = 10
)

// Verdicts.
const (
	VerdictPass        = "pass"
	VerdictFail        = "fail"
	VerdictConditional = "conditional"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
)

const (
	passThreshold = 0.6
	failThreshold = 0.4
	rateTolerance = 1e-6

	// maxTopItems bounds the stored concerns and suggestions per evaluation.
	maxTopItems = 10
)

// NoContentError reports a project with no documents to evaluate.
type NoContentError struct {
	ProjectID string
}

func (e *NoContentError) Error() string {
	return fmt.Sprintf("iteration: project %s has no documents to evaluate", e.ProjectID)
}

// Notifier records user-facing notifications.
type Notifier interface {
	Emit(ctx context.Context, ev notify.Event) (*models.Notification, error)
}

// Trigger wakes the worker of a workspace.
type Trigger interface {
	Trigger(workspaceID string)
}

// JuryConfig sizes the persona sample attached to each evaluation job.
type JuryConfig struct {
	Pool       *jury.Pool
	Size       int
	SkepticMin float64
}

// Controller starts iteration runs and folds finished evaluations into them.
type Controller struct {
	db       *gorm.DB
	queue    *queue.Queue
	notifier Notifier
	trigger  Trigger
	jury     JuryConfig
	log      *slog.Logger

	// mu serializes aggregation so running means are computed from a
	// consistent set of evaluations.
	mu sync.Mutex

	// Now returns the current time.
	Now func() time.Time
}

// New creates a Controller. notifier and trigger may be nil.
func New(gormDB *gorm.DB, q *queue.Queue, notifier Notifier, trigger Trigger, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		db:       gormDB,
		queue:    q,
		notifier: notifier,
		trigger:  trigger,
		log:      log,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetTrigger sets the worker trigger used after enqueuing a run.
func (c *Controller) SetTrigger(t Trigger) { c.trigger = t }

// SetJury attaches a persona pool. Each evaluation job then carries its own
// stratified sample.
func (c *Controller) SetJury(cfg JuryConfig) {
	if cfg.Size < 1 {
		cfg.Size = 25
	}
	if cfg.SkepticMin <= 0 {
		cfg.SkepticMin = 0.15
	}
	c.jury = cfg
}

// ClampCount bounds n to [MinIterations, MaxIterations].
func ClampCount(n int) int {
	return max(MinIterations, min(n, MaxIterations))
}

// RunIterations locks the project and enqueues count jury evaluations of
// phase. A locked project is rejected with *workflow.PreconditionError; a
// project without documents with *NoContentError.
func (c *Controller) RunIterations(ctx context.Context, projectID string, count int, phase pipeline.Phase) (*models.IterationRun, error) {
	if !phase.Valid() {
		return nil, &queue.StructuralError{Field: "phase", Reason: fmt.Sprintf("unknown phase %q", phase)}
	}
	count = ClampCount(count)

	var project models.Project
	if err := c.db.WithContext(ctx).Where("id = ?", projectID).First(&project).Error; err != nil {
		return nil, fmt.Errorf("iteration: get project %s: %w", projectID, err)
	}
	n, err := documents.CountTx(c.db.WithContext(ctx), projectID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, &NoContentError{ProjectID: projectID}
	}

	personas, err := c.samples(count)
	if err != nil {
		return nil, err
	}

	run := &models.IterationRun{
		ID:              uuid.NewString(),
		WorkspaceID:     project.WorkspaceID,
		ProjectID:       projectID,
		Phase:           string(phase),
		TotalIterations: count,
		Status:          RunRunning,
		CreatedAt:       c.Now(),
	}
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked := tx.Model(&models.Project{}).
			Where("id = ? AND is_locked = ?", projectID, false).
			Update("is_locked", true)
		if locked.Error != nil {
			return fmt.Errorf("iteration: lock project %s: %w", projectID, locked.Error)
		}
		if locked.RowsAffected != 1 {
			return workflow.NewPreconditionError(workflow.ReasonLocked)
		}
		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("iteration: create run: %w", err)
		}
		for i := 1; i <= count; i++ {
			input := map[string]any{
				"iteration":       i,
				"totalIterations": count,
				"phase":           string(phase),
				"iterationRunId":  run.ID,
			}
			if personas != nil {
				input["personas"] = personas[i-1]
			}
			if _, err := c.queue.CreateTx(tx, queue.CreateRequest{
				WorkspaceID:    project.WorkspaceID,
				ProjectID:      projectID,
				Type:           pipeline.JobRunJuryEvaluation,
				Input:          input,
				IterationRunID: &run.ID,
			}); err != nil {
				return err
			}
		}
		if err := tx.Model(&models.Project{}).Where("id = ?", projectID).
			Update("active_job_status", queue.StatusPending).Error; err != nil {
			return fmt.Errorf("iteration: update job status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Info("iteration run started", "run", run.ID, "project", projectID, "phase", phase, "iterations", count)
	if c.trigger != nil {
		c.trigger.Trigger(project.WorkspaceID)
	}
	return run, nil
}

func (c *Controller) samples(count int) ([][]jury.Persona, error) {
	if c.jury.Pool == nil || c.jury.Pool.Size() == 0 {
		return nil, nil
	}
	out := make([][]jury.Persona, count)
	for i := range out {
		sample, err := c.jury.Pool.Select(c.jury.Size, c.jury.SkepticMin)
		if err != nil {
			return nil, fmt.Errorf("iteration: select jury: %w", err)
		}
		out[i] = sample
	}
	return out, nil
}

// JobFinished folds a terminal jury-evaluation job into its run and
// finalizes the run once every iteration is terminal.
func (c *Controller) JobFinished(ctx context.Context, job *models.Job) {
	if job.IterationRunID == nil || pipeline.JobType(job.Type) != pipeline.JobRunJuryEvaluation {
		return
	}
	if !queue.IsTerminal(job.Status) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if job.Status == queue.StatusCompleted {
		if err := c.record(ctx, job); err != nil {
			c.log.Warn("discarding jury evaluation", "job", job.ID, "run", *job.IterationRunID, "error", err)
		}
	}
	if err := c.aggregate(ctx, *job.IterationRunID); err != nil {
		c.log.Error("aggregate iteration run", "run", *job.IterationRunID, "error", err)
	}
}

// Evaluation is the parsed result of one jury-evaluation job.
type Evaluation struct {
	ApprovalRate    float64
	ConditionalRate float64
	RejectionRate   float64
	Verdict         string
	TopConcerns     []string
	TopSuggestions  []string
}

// ParseEvaluation reads and validates the evaluation in a job's output.
// Rates must lie in [0,1] and sum to at most 1. A missing verdict is derived
// from the rates.
func ParseEvaluation(output map[string]any) (*Evaluation, error) {
	raw, ok := output[executor.KeyEvaluation].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("iteration: output has no %q object", executor.KeyEvaluation)
	}
	ev := &Evaluation{}
	for key, dst := range map[string]*float64{
		"approvalRate":    &ev.ApprovalRate,
		"conditionalRate": &ev.ConditionalRate,
		"rejectionRate":   &ev.RejectionRate,
	} {
		v, ok := number(raw[key])
		if !ok {
			return nil, fmt.Errorf("iteration: %s is missing or not a number", key)
		}
		if v < 0 || v > 1 || math.IsNaN(v) {
			return nil, fmt.Errorf("iteration: %s %v outside [0,1]", key, v)
		}
		*dst = v
	}
	if sum := ev.ApprovalRate + ev.ConditionalRate + ev.RejectionRate; sum > 1+rateTolerance {
		return nil, fmt.Errorf("iteration: rates sum to %v, more than 1", sum)
	}

	switch v, _ := raw["verdict"].(string); v {
	case VerdictPass, VerdictFail, VerdictConditional:
		ev.Verdict = v
	case "":
		ev.Verdict = DeriveVerdict(ev.ApprovalRate, ev.RejectionRate)
	default:
		return nil, fmt.Errorf("iteration: unknown verdict %q", v)
	}
	ev.TopConcerns = truncate(stringList(raw["topConcerns"]), maxTopItems)
	ev.TopSuggestions = truncate(stringList(raw["topSuggestions"]), maxTopItems)
	return ev, nil
}

// DeriveVerdict maps rates to a verdict: approval of at least 0.6 passes,
// rejection of at least 0.4 fails, anything else is conditional.
func DeriveVerdict(approval, rejection float64) string {
	switch {
	case approval >= passThreshold:
		return VerdictPass
	case rejection >= failThreshold:
		return VerdictFail
	default:
		return VerdictConditional
	}
}

func (c *Controller) record(ctx context.Context, job *models.Job) error {
	ev, err := ParseEvaluation(job.Output)
	if err != nil {
		return err
	}
	iter, _ := number(job.Input["iteration"])
	phase, _ := job.Input["phase"].(string)
	verdict := ev.Verdict
	row := &models.JuryEvaluation{
		ID:              uuid.NewString(),
		ProjectID:       job.ProjectID,
		IterationRunID:  job.IterationRunID,
		JobID:           job.ID,
		Iteration:       int(iter),
		Phase:           phase,
		ApprovalRate:    ev.ApprovalRate,
		ConditionalRate: ev.ConditionalRate,
		RejectionRate:   ev.RejectionRate,
		Verdict:         &verdict,
		TopConcerns:     ev.TopConcerns,
		TopSuggestions:  ev.TopSuggestions,
		CreatedAt:       c.Now(),
	}
	// The job id is unique, so a redelivered completion is a no-op.
	if err := c.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error; err != nil {
		return fmt.Errorf("iteration: store evaluation: %w", err)
	}
	return nil
}

type evalAggregate struct {
	N               int64
	ApprovalRate    float64
	ConditionalRate float64
	RejectionRate   float64
}

// aggregate recomputes a run's means and counts from its stored evaluations
// and terminal jobs, then finalizes the run when every iteration is done.
func (c *Controller) aggregate(ctx context.Context, runID string) error {
	conn := c.db.WithContext(ctx)

	var agg evalAggregate
	if err := conn.Model(&models.JuryEvaluation{}).
		Select("COUNT(*) AS n, COALESCE(AVG(approval_rate), 0) AS approval_rate, "+
			"COALESCE(AVG(conditional_rate), 0) AS conditional_rate, COALESCE(AVG(rejection_rate), 0) AS rejection_rate").
		Where("iteration_run_id = ?", runID).
		Scan(&agg).Error; err != nil {
		return fmt.Errorf("iteration: average evaluations: %w", err)
	}

	var verdicts []struct {
		Verdict string
		N       int
	}
	if err := conn.Model(&models.JuryEvaluation{}).
		Select("verdict, COUNT(*) AS n").
		Where("iteration_run_id = ?", runID).
		Group("verdict").
		Scan(&verdicts).Error; err != nil {
		return fmt.Errorf("iteration: count verdicts: %w", err)
	}
	counts := map[string]int{}
	for _, v := range verdicts {
		counts[v.Verdict] = v.N
	}

	var terminal int64
	if err := conn.Model(&models.Job{}).
		Where("iteration_run_id = ? AND status IN ?", runID, []string{queue.StatusCompleted, queue.StatusFailed}).
		Count(&terminal).Error; err != nil {
		return fmt.Errorf("iteration: count terminal jobs: %w", err)
	}

	update := models.IterationRun{
		CompletedIterations: int(agg.N),
		FailedIterations:    int(terminal - agg.N),
		ApprovalRate:        agg.ApprovalRate,
		ConditionalRate:     agg.ConditionalRate,
		RejectionRate:       agg.RejectionRate,
		PassCount:           counts[VerdictPass],
		FailCount:           counts[VerdictFail],
		ConditionalCount:    counts[VerdictConditional],
	}
	if err := conn.Model(&models.IterationRun{}).Where("id = ?", runID).
		Select("CompletedIterations", "FailedIterations", "ApprovalRate", "ConditionalRate", "RejectionRate",
			"PassCount", "FailCount", "ConditionalCount").
		Updates(&update).Error; err != nil {
		return fmt.Errorf("iteration: update run %s: %w", runID, err)
	}

	run, err := c.Get(ctx, runID)
	if err != nil {
		return err
	}
	if int(terminal) < run.TotalIterations {
		return nil
	}
	return c.finalize(ctx, run)
}

// finalize completes a run exactly once, unlocks its project and emits the
// summary notification.
func (c *Controller) finalize(ctx context.Context, run *models.IterationRun) error {
	now := c.Now()
	var verdict *string
	if run.CompletedIterations > 0 {
		v := DeriveVerdict(run.ApprovalRate, run.RejectionRate)
		verdict = &v
	}

	var won bool
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.IterationRun{}).
			Where("id = ? AND status = ?", run.ID, RunRunning).
			Select("Status", "Verdict", "CompletedAt").
			Updates(&models.IterationRun{Status: RunCompleted, Verdict: verdict, CompletedAt: &now})
		if res.Error != nil {
			return fmt.Errorf("iteration: complete run %s: %w", run.ID, res.Error)
		}
		if res.RowsAffected != 1 {
			return nil
		}
		won = true
		jobStatus := queue.StatusCompleted
		if run.CompletedIterations == 0 {
			jobStatus = queue.StatusFailed
		}
		if err := tx.Model(&models.Project{}).Where("id = ?", run.ProjectID).
			Updates(map[string]any{"is_locked": false, "active_job_status": jobStatus}).Error; err != nil {
			return fmt.Errorf("iteration: unlock project %s: %w", run.ProjectID, err)
		}
		return nil
	})
	if err != nil || !won {
		return err
	}
	run.Status, run.Verdict, run.CompletedAt = RunCompleted, verdict, &now

	c.log.Info("iteration run complete", "run", run.ID, "project", run.ProjectID,
		"completed", run.CompletedIterations, "failed", run.FailedIterations, "verdict", deref(verdict))
	c.emitSummary(ctx, run)
	return nil
}

func (c *Controller) emitSummary(ctx context.Context, run *models.IterationRun) {
	if c.notifier == nil {
		return
	}
	var project models.Project
	c.db.WithContext(ctx).Select("id", "name").Where("id = ?", run.ProjectID).First(&project)

	title := fmt.Sprintf("%s: %d %s iterations finished", project.Name, run.TotalIterations, run.Phase)
	msg := fmt.Sprintf("Verdict %s. Approval %.0f%%, conditional %.0f%%, rejection %.0f%% (pass %d, conditional %d, fail %d).",
		deref(run.Verdict), run.ApprovalRate*100, run.ConditionalRate*100, run.RejectionRate*100,
		run.PassCount, run.ConditionalCount, run.FailCount)
	if run.FailedIterations > 0 {
		msg += fmt.Sprintf(" %d iterations failed.", run.FailedIterations)
	}
	ev := notify.Event{
		WorkspaceID: run.WorkspaceID,
		ProjectID:   run.ProjectID,
		Type:        notify.TypeIterationComplete,
		Title:       title,
		Message:     msg,
		Metadata:    models.NotificationMetadata{RelatedEntity: "iteration_run:" + run.ID},
	}
	if run.CompletedIterations == 0 {
		ev.Priority = notify.PriorityHigh
	}
	if _, err := c.notifier.Emit(ctx, ev); err != nil && !errors.Is(err, notify.ErrSuppressed) {
		c.log.Warn("emit iteration summary failed", "run", run.ID, "error", err)
	}
}

// Get returns a run with its evaluations.
func (c *Controller) Get(ctx context.Context, id string) (*models.IterationRun, error) {
	var run models.IterationRun
	if err := c.db.WithContext(ctx).Preload("Evaluations", func(db *gorm.DB) *gorm.DB {
		return db.Order("iteration ASC")
	}).Where("id = ?", id).First(&run).Error; err != nil {
		return nil, fmt.Errorf("iteration: get run %s: %w", id, err)
	}
	return &run, nil
}

// List returns the runs of a project, newest first.
func (c *Controller) List(ctx context.Context, projectID string) ([]models.IterationRun, error) {
	var runs []models.IterationRun
	if err := c.db.WithContext(ctx).Where("project_id = ?", projectID).
		Order("created_at DESC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("iteration: list runs: %w", err)
	}
	return runs, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func stringList(v any) []string {
	if direct, ok := v.([]string); ok {
		return direct
	}
	items, _ := v.([]any)
	var out []string
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func truncate(items []string, n int) []string {
	if len(items) > n {
		return items[:n:n]
	}
	return items
}

func deref(s *string) string {
	if s == nil {
		return "none"
	}
	return *s
}
