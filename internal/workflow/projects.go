package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/pipeline"
	"github.com/zulandar/stageline/internal/workspace"
	"gorm.io/gorm"
)

// Project statuses.
const (
	StatusActive   = "active"
	StatusPaused   = "paused"
	StatusArchived = "archived"
)

// ValidTransitions maps each project status to its valid next statuses.
var ValidTransitions = map[string][]string{
	StatusActive:   {StatusPaused, StatusArchived},
	StatusPaused:   {StatusActive, StatusArchived},
	StatusArchived: {StatusActive},
}

// StatusError reports a project status change that ValidTransitions forbids.
type StatusError struct {
	From, To string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("workflow: invalid status transition from %q to %q; valid transitions: %v",
		e.From, e.To, ValidTransitions[e.From])
}

// CreateProjectInput describes a new project.
type CreateProjectInput struct {
	WorkspaceID string `json:"workspaceId" binding:"required"`
	Name        string `json:"name" binding:"required"`
	Priority    int    `json:"priority"`
	// Stage defaults to the first enabled stage of the workspace pipeline.
	Stage pipeline.StageID `json:"stage"`
}

// CreateProject stores a project in its initial stage and opens its first
// stage history entry.
func (e *Engine) CreateProject(ctx context.Context, in CreateProjectInput, actor string) (*models.Project, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, &workspace.InputError{Problems: []string{"project name is required"}}
	}
	p, err := workspace.LoadPipeline(e.db.WithContext(ctx), in.WorkspaceID)
	if err != nil {
		return nil, err
	}
	stage := in.Stage
	if stage == "" {
		first, ok := firstEnabled(p)
		if !ok {
			return nil, &StructuralError{To: stage, Reason: "workspace has no enabled stage"}
		}
		stage = first
	} else if cfg, ok := p.Stage(stage); !ok || !cfg.Enabled {
		return nil, &StructuralError{To: stage, Reason: "stage is not an enabled pipeline stage"}
	}
	priority := in.Priority
	if priority == 0 {
		priority = 2
	}

	now := e.Now()
	project := &models.Project{
		ID:          newID(),
		WorkspaceID: in.WorkspaceID,
		Name:        name,
		Stage:       string(stage),
		Status:      StatusActive,
		Priority:    priority,
	}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(project).Error; err != nil {
			return fmt.Errorf("workflow: create project: %w", err)
		}
		entry := &models.StageHistory{ProjectID: project.ID, Stage: string(stage), TriggeredBy: actor, EnteredAt: now}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("workflow: open stage history: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("project created", "project", project.ID, "workspace", in.WorkspaceID, "stage", stage)
	return project, nil
}

func firstEnabled(p *pipeline.Pipeline) (pipeline.StageID, bool) {
	for _, s := range p.Ordered() {
		if s.Enabled {
			return s.Stage, true
		}
	}
	return "", false
}

// GetProject returns a project by id.
func (e *Engine) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return e.project(ctx, id)
}

// ListProjects returns the projects of a workspace, highest priority first.
func (e *Engine) ListProjects(ctx context.Context, workspaceID string) ([]models.Project, error) {
	var out []models.Project
	if err := e.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).
		Order("priority ASC, created_at ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("workflow: list projects: %w", err)
	}
	return out, nil
}

// UpdateStatus changes a project's status. Stage changes go through
// RequestTransition, never through here.
func (e *Engine) UpdateStatus(ctx context.Context, id, status string) (*models.Project, error) {
	project, err := e.project(ctx, id)
	if err != nil {
		return nil, err
	}
	if project.Status == status {
		return project, nil
	}
	if !isValidTransition(project.Status, status) {
		return nil, &StatusError{From: project.Status, To: status}
	}
	res := e.db.WithContext(ctx).Model(&models.Project{}).
		Where("id = ? AND status = ?", id, project.Status).
		Update("status", status)
	if res.Error != nil {
		return nil, fmt.Errorf("workflow: update status %s: %w", id, res.Error)
	}
	if res.RowsAffected != 1 {
		return nil, NewPreconditionError(ReasonTransitionInFlight)
	}
	e.log.Info("project status changed", "project", id, "from", project.Status, "to", status)
	return e.project(ctx, id)
}

func isValidTransition(from, to string) bool {
	for _, v := range ValidTransitions[from] {
		if v == to {
			return true
		}
	}
	return false
}
