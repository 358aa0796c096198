package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/stageline/internal/executor"
	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/notify"
	"github.com/zulandar/stageline/internal/pipeline"
	"github.com/zulandar/stageline/internal/queue"
	"github.com/zulandar/stageline/internal/workspace"
)

// ActorAutomation is the actor recorded for automatic transitions.
const ActorAutomation = "automation"

// JobFinished reacts to a job reaching a terminal state. Completed alignment
// jobs are recorded on the project; in auto_all workspaces a project whose
// stage jobs have all completed advances to the next stage.
func (e *Engine) JobFinished(ctx context.Context, job *models.Job) {
	if job.ProjectID == "" || job.Status != queue.StatusCompleted {
		return
	}
	if pipeline.JobType(job.Type) == pipeline.JobScoreStageAlignment {
		if err := e.RecordAlignment(ctx, job.ProjectID, job.Output); err != nil {
			e.log.Warn("record alignment failed", "project", job.ProjectID, "job", job.ID, "error", err)
		}
	}
	// Iteration runs are driven by their own controller and leave the stage alone.
	if job.IterationRunID != nil {
		return
	}
	if err := e.maybeAdvance(ctx, job.ProjectID); err != nil {
		e.log.Warn("auto-advance failed", "project", job.ProjectID, "error", err)
	}
}

// maybeAdvance moves a project to its next stage when the workspace runs in
// auto_all mode and every job queued since the project entered its current
// stage has completed.
func (e *Engine) maybeAdvance(ctx context.Context, projectID string) error {
	project, err := e.project(ctx, projectID)
	if err != nil {
		return err
	}
	if project.Status != "active" || project.IsLocked {
		return nil
	}
	var ws models.Workspace
	if err := e.db.WithContext(ctx).Where("id = ?", project.WorkspaceID).First(&ws).Error; err != nil {
		return fmt.Errorf("workflow: load workspace %s: %w", project.WorkspaceID, err)
	}
	if pipeline.AutomationMode(ws.AutomationMode) != pipeline.AutomationAutoAll {
		return nil
	}

	p, err := workspace.LoadPipeline(e.db.WithContext(ctx), ws.ID)
	if err != nil {
		return err
	}
	current, ok := p.Stage(pipeline.StageID(project.Stage))
	if !ok || current.HumanInLoop {
		return nil
	}
	next, ok := p.Next(current.Stage)
	if !ok {
		return nil
	}

	settled, err := e.stageJobsSettled(ctx, project)
	if err != nil || !settled {
		return err
	}

	_, err = e.RequestTransition(ctx, project.ID, next.Stage, ActorAutomation)
	var perr *PreconditionError
	if errors.As(err, &perr) {
		if len(perr.Reasons) == 1 && perr.Reasons[0] == ReasonTransitionInFlight {
			return nil
		}
		e.emit(ctx, notify.Event{
			WorkspaceID: ws.ID,
			ProjectID:   project.ID,
			Type:        notify.TypeStageBlocked,
			Title:       fmt.Sprintf("%s cannot move to %s", project.Name, next.DisplayName),
			Message:     "Blocked by " + strings.Join(perr.Reasons, ", "),
			Metadata: models.NotificationMetadata{
				ErrorDetails:  perr.Error(),
				RelatedEntity: "project:" + project.ID,
			},
		})
		return nil
	}
	return err
}

// stageJobsSettled reports whether every non-iteration job created since the
// project entered its current stage has completed. A failed job holds the
// project in place until it is retried.
func (e *Engine) stageJobsSettled(ctx context.Context, project *models.Project) (bool, error) {
	var entry models.StageHistory
	if err := e.db.WithContext(ctx).
		Where("project_id = ? AND exited_at IS NULL", project.ID).
		Order("entered_at DESC").
		First(&entry).Error; err != nil {
		return false, fmt.Errorf("workflow: current stage entry %s: %w", project.ID, err)
	}

	var statuses []string
	if err := e.db.WithContext(ctx).Model(&models.Job{}).
		Where("project_id = ? AND iteration_run_id IS NULL AND created_at >= ?", project.ID, entry.EnteredAt).
		Pluck("status", &statuses).Error; err != nil {
		return false, fmt.Errorf("workflow: stage jobs %s: %w", project.ID, err)
	}
	if len(statuses) == 0 {
		return false, nil
	}
	for _, s := range statuses {
		if s != queue.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// RecordAlignment stores the output of a score_stage_alignment job in the
// project's stage confidence metadata.
func (e *Engine) RecordAlignment(ctx context.Context, projectID string, output map[string]any) error {
	a, ok := output[executor.KeyAlignment].(map[string]any)
	if !ok {
		return fmt.Errorf("workflow: alignment output missing %q", executor.KeyAlignment)
	}
	score, ok := toFloat(a["score"])
	if !ok || score < 0 || score > 1 {
		return fmt.Errorf("workflow: alignment score %v out of range", a["score"])
	}
	summary, _ := a["summary"].(string)

	project, err := e.project(ctx, projectID)
	if err != nil {
		return err
	}
	stage, _ := a["stage"].(string)
	if stage == "" {
		stage = project.Stage
	}

	meta := project.Metadata
	if meta.StageConfidence == nil {
		meta.StageConfidence = make(map[string]models.StageConfidence)
	}
	meta.StageConfidence[stage] = models.StageConfidence{Score: score, Summary: summary, UpdatedAt: e.Now()}

	if err := e.db.WithContext(ctx).Model(project).Select("Metadata").
		Updates(&models.Project{Metadata: meta}).Error; err != nil {
		return fmt.Errorf("workflow: save alignment %s: %w", projectID, err)
	}
	e.log.Debug("alignment recorded", "project", projectID, "stage", stage, "score", score)
	return nil
}

func toFloat(v any) (float64, bool) {
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
