// Package workflow moves projects between pipeline stages. It enforces the
// pipeline's structure and each stage's entry requirements, records stage
// history, and applies the workspace automation policy.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/stageline/internal/documents"
	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/notify"
	"github.com/zulandar/stageline/internal/pipeline"
	"github.com/zulandar/stageline/internal/queue"
	"github.com/zulandar/stageline/internal/workspace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Notifier records user-facing notifications.
type Notifier interface {
	Emit(ctx context.Context, ev notify.Event) (*models.Notification, error)
}

// Trigger wakes the worker of a workspace.
type Trigger interface {
	Trigger(workspaceID string)
}

// TransitionResult describes the outcome of RequestTransition.
type TransitionResult struct {
	Allowed         bool             `json:"allowed"`
	From            pipeline.StageID `json:"from"`
	To              pipeline.StageID `json:"to"`
	BlockingReasons []string         `json:"blockingReasons"`
	EnqueuedJobs    []string         `json:"enqueuedJobs"`
	Paused          bool             `json:"paused"`
}

// ApprovalStatus is the approval count of a project for a stage.
type ApprovalStatus struct {
	Stage pipeline.StageID `json:"stage"`
	Have  int              `json:"have"`
	Need  int              `json:"need"`
}

// Engine is the stage state machine.
type Engine struct {
	db       *gorm.DB
	queue    *queue.Queue
	notifier Notifier
	trigger  Trigger
	log      *slog.Logger

	// locks holds one *sync.Mutex per project id.
	locks sync.Map

	// Now returns the current time.
	Now func() time.Time
}

// New creates an Engine. notifier and trigger may be nil.
func New(gormDB *gorm.DB, q *queue.Queue, notifier Notifier, trigger Trigger, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		db:       gormDB,
		queue:    q,
		notifier: notifier,
		trigger:  trigger,
		log:      log,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetTrigger sets the worker trigger used after enqueuing jobs.
func (e *Engine) SetTrigger(t Trigger) { e.trigger = t }

func (e *Engine) lockFor(projectID string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(projectID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// RequestTransition moves a project to target on behalf of actor. A
// structurally invalid move returns *StructuralError; a move blocked by the
// project's state returns *PreconditionError and the result lists every
// blocking reason.
func (e *Engine) RequestTransition(ctx context.Context, projectID string, target pipeline.StageID, actor string) (*TransitionResult, error) {
	res := &TransitionResult{To: target}

	mu := e.lockFor(projectID)
	if !mu.TryLock() {
		res.BlockingReasons = []string{ReasonTransitionInFlight}
		return res, NewPreconditionError(ReasonTransitionInFlight)
	}
	defer mu.Unlock()

	project, err := e.project(ctx, projectID)
	if err != nil {
		return res, err
	}
	res.From = pipeline.StageID(project.Stage)

	p, err := workspace.LoadPipeline(e.db.WithContext(ctx), project.WorkspaceID)
	if err != nil {
		return res, err
	}
	stage, err := checkStructure(p, res.From, target)
	if err != nil {
		return res, err
	}

	if perr := e.checkPreconditions(ctx, project, stage); perr != nil {
		res.BlockingReasons = perr.Reasons
		return res, perr
	}

	var ws models.Workspace
	if err := e.db.WithContext(ctx).Where("id = ?", project.WorkspaceID).First(&ws).Error; err != nil {
		return res, fmt.Errorf("workflow: load workspace %s: %w", project.WorkspaceID, err)
	}

	now := e.Now()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.StageHistory{}).
			Where("project_id = ? AND exited_at IS NULL", project.ID).
			Update("exited_at", now).Error; err != nil {
			return fmt.Errorf("workflow: close stage history: %w", err)
		}
		entry := &models.StageHistory{ProjectID: project.ID, Stage: string(target), TriggeredBy: actor, EnteredAt: now}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("workflow: open stage history: %w", err)
		}
		// The lock may have been taken since the precondition read.
		moved := tx.Model(&models.Project{}).
			Where("id = ? AND stage = ? AND is_locked = ?", project.ID, project.Stage, false).
			Update("stage", string(target))
		if moved.Error != nil {
			return fmt.Errorf("workflow: update project stage: %w", moved.Error)
		}
		if moved.RowsAffected != 1 {
			var current models.Project
			if err := tx.Where("id = ?", project.ID).First(&current).Error; err == nil && current.IsLocked {
				return NewPreconditionError(ReasonLocked)
			}
			return NewPreconditionError(ReasonTransitionInFlight)
		}

		jobs, paused := automationJobs(&ws, stage)
		res.Paused = paused
		for _, jt := range jobs {
			job, err := e.queue.CreateTx(tx, queue.CreateRequest{
				WorkspaceID: ws.ID,
				ProjectID:   project.ID,
				Type:        jt,
				Input:       map[string]any{"stage": string(target), "triggeredBy": actor},
			})
			if err != nil {
				return err
			}
			res.EnqueuedJobs = append(res.EnqueuedJobs, job.ID)
		}
		if len(res.EnqueuedJobs) > 0 {
			if err := tx.Model(&models.Project{}).Where("id = ?", project.ID).
				Update("active_job_status", queue.StatusPending).Error; err != nil {
				return fmt.Errorf("workflow: update job status: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		var perr *PreconditionError
		if errors.As(err, &perr) {
			res.BlockingReasons = perr.Reasons
		}
		return res, err
	}
	res.Allowed = true

	e.log.Info("project moved", "project", project.ID, "from", res.From, "to", target, "actor", actor,
		"jobs", len(res.EnqueuedJobs), "paused", res.Paused)

	if res.Paused {
		e.emit(ctx, notify.Event{
			WorkspaceID: ws.ID,
			ProjectID:   project.ID,
			Type:        notify.TypeApprovalRequired,
			Title:       fmt.Sprintf("%s is waiting at %s", project.Name, stage.DisplayName),
			Message:     "Automation paused at the stop stage. Review the project to continue.",
			Action: &models.NotificationAction{
				Type:  "review_project",
				Label: "Review",
				Data:  map[string]any{"projectId": project.ID, "stage": string(target)},
			},
		})
	}
	e.emit(ctx, notify.Event{
		WorkspaceID: ws.ID,
		ProjectID:   project.ID,
		Type:        notify.TypeStageChanged,
		Stage:       string(target),
		Title:       fmt.Sprintf("%s moved to %s", project.Name, stage.DisplayName),
		Message:     fmt.Sprintf("Moved from %s by %s.", res.From, actor),
	})
	if len(res.EnqueuedJobs) > 0 && e.trigger != nil {
		e.trigger.Trigger(ws.ID)
	}
	return res, nil
}

// checkStructure validates target against the pipeline: it must exist, be
// enabled and be the next enabled stage or a loop-back target of from.
func checkStructure(p *pipeline.Pipeline, from, target pipeline.StageID) (*pipeline.StageConfig, error) {
	stage, ok := p.Stage(target)
	if !ok {
		return nil, &StructuralError{From: from, To: target, Reason: "stage is not in the pipeline"}
	}
	if !stage.Enabled {
		return nil, &StructuralError{From: from, To: target, Reason: "stage is disabled"}
	}
	if from == target {
		return nil, &StructuralError{From: from, To: target, Reason: "project is already in this stage"}
	}
	if next, ok := p.Next(from); ok && next.Stage == target {
		return stage, nil
	}
	if p.CanLoop(from, target) {
		return stage, nil
	}
	return nil, &StructuralError{From: from, To: target, Reason: "not the next stage or a loop target"}
}

// checkPreconditions collects every state-based reason the project cannot
// enter stage.
func (e *Engine) checkPreconditions(ctx context.Context, project *models.Project, stage *pipeline.StageConfig) *PreconditionError {
	perr := &PreconditionError{}
	if project.Status != "active" {
		perr.add("status:"+project.Status, nil)
	}
	if project.IsLocked {
		perr.add(ReasonLocked, nil)
	}

	conn := e.db.WithContext(ctx)
	missing, err := documents.Missing(conn, project.ID, stage.RequiredDocuments)
	if err != nil {
		perr.add("documents:unavailable", err)
	}
	if len(missing) > 0 {
		for _, m := range missing {
			perr.add("missing:"+string(m), nil)
		}
		perr.errs = append(perr.errs, &MissingDocumentError{Types: missing})
	}

	if stage.RequiredApprovals > 0 {
		have, err := countApprovals(conn, project.ID, stage.Stage)
		if err != nil {
			perr.add("approvals:unavailable", err)
		} else if have < stage.RequiredApprovals {
			perr.add(fmt.Sprintf("approvals:%d/%d", have, stage.RequiredApprovals),
				&ApprovalPendingError{Stage: stage.Stage, Have: have, Need: stage.RequiredApprovals})
		}
	}

	if len(perr.Reasons) == 0 {
		return nil
	}
	return perr
}

// automationJobs returns the jobs to enqueue when a project of ws enters
// stage, and whether automation pauses there.
func automationJobs(ws *models.Workspace, stage *pipeline.StageConfig) ([]pipeline.JobType, bool) {
	var jobs []pipeline.JobType
	paused := false
	switch pipeline.AutomationMode(ws.AutomationMode) {
	case pipeline.AutomationAutoToStage:
		if ws.AutomationStopStage == string(stage.Stage) {
			paused = true
		} else {
			jobs = append(jobs, stage.AutoTriggerJobs...)
		}
	case pipeline.AutomationAutoAll:
		jobs = append(jobs, stage.AutoTriggerJobs...)
	default:
		return nil, false
	}
	return append(jobs, pipeline.JobScoreStageAlignment), paused
}

func countApprovals(conn *gorm.DB, projectID string, stage pipeline.StageID) (int, error) {
	var n int64
	if err := conn.Model(&models.Approval{}).
		Where("project_id = ? AND stage = ?", projectID, string(stage)).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("workflow: count approvals: %w", err)
	}
	return int(n), nil
}

// Approve records approver's sign-off for the project to enter stage.
// Approving twice is a no-op.
func (e *Engine) Approve(ctx context.Context, projectID string, stage pipeline.StageID, approver string) (*ApprovalStatus, error) {
	if approver == "" {
		return nil, NewPreconditionError("approver:required")
	}
	project, err := e.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	p, err := workspace.LoadPipeline(e.db.WithContext(ctx), project.WorkspaceID)
	if err != nil {
		return nil, err
	}
	cfg, ok := p.Stage(stage)
	if !ok {
		return nil, &StructuralError{From: pipeline.StageID(project.Stage), To: stage, Reason: "stage is not in the pipeline"}
	}

	approval := &models.Approval{ProjectID: projectID, Stage: string(stage), Approver: approver, CreatedAt: e.Now()}
	if err := e.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(approval).Error; err != nil {
		return nil, fmt.Errorf("workflow: record approval: %w", err)
	}
	have, err := countApprovals(e.db.WithContext(ctx), projectID, stage)
	if err != nil {
		return nil, err
	}
	e.log.Info("stage approved", "project", projectID, "stage", stage, "approver", approver, "have", have, "need", cfg.RequiredApprovals)
	return &ApprovalStatus{Stage: stage, Have: have, Need: cfg.RequiredApprovals}, nil
}

// History returns the stage history of a project, oldest first.
func (e *Engine) History(ctx context.Context, projectID string) ([]models.StageHistory, error) {
	if _, err := e.project(ctx, projectID); err != nil {
		return nil, err
	}
	var out []models.StageHistory
	if err := e.db.WithContext(ctx).Where("project_id = ?", projectID).
		Order("entered_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("workflow: history %s: %w", projectID, err)
	}
	return out, nil
}

func (e *Engine) project(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	if err := e.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, fmt.Errorf("workflow: get project %s: %w", id, err)
	}
	return &p, nil
}

func (e *Engine) emit(ctx context.Context, ev notify.Event) {
	if e.notifier == nil {
		return
	}
	if _, err := e.notifier.Emit(ctx, ev); err != nil && !errors.Is(err, notify.ErrSuppressed) {
		e.log.Warn("emit notification failed", "type", ev.Type, "error", err)
	}
}

func newID() string { return uuid.NewString() }
