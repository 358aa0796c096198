package workspace

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/zulandar/stageline/internal/db"
	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/pipeline"
	"gorm.io/gorm"
)

// ColumnPatch is a partial update of a column. Nil fields are left unchanged.
type ColumnPatch struct {
	DisplayName       *string             `json:"displayName"`
	Color             *string             `json:"color"`
	Position          *int                `json:"position"`
	Enabled           *bool               `json:"enabled"`
	AutoTriggerJobs   *[]string           `json:"autoTriggerJobs"`
	RequiredDocuments *[]string           `json:"requiredDocuments"`
	RequiredApprovals *int                `json:"requiredApprovals"`
	HumanInLoop       *bool               `json:"humanInLoop"`
	Rules             *models.ColumnRules `json:"rules"`
}

func (p ColumnPatch) apply(c *models.Column) {
	if p.DisplayName != nil {
		c.DisplayName = *p.DisplayName
	}
	if p.Color != nil {
		c.Color = *p.Color
	}
	if p.Position != nil {
		c.Position = *p.Position
	}
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.AutoTriggerJobs != nil {
		c.AutoTriggerJobs = *p.AutoTriggerJobs
	}
	if p.RequiredDocuments != nil {
		c.RequiredDocuments = *p.RequiredDocuments
	}
	if p.RequiredApprovals != nil {
		c.RequiredApprovals = *p.RequiredApprovals
	}
	if p.HumanInLoop != nil {
		c.HumanInLoop = *p.HumanInLoop
	}
	if p.Rules != nil {
		c.Rules = *p.Rules
	}
}

// Columns returns the workspace columns ordered by position.
func (s *Service) Columns(ctx context.Context, workspaceID string) ([]models.Column, error) {
	var cols []models.Column
	if err := s.db.WithContext(ctx).Where("workspace_id = ?", workspaceID).Order("position").Find(&cols).Error; err != nil {
		return nil, fmt.Errorf("workspace: list columns for %s: %w", workspaceID, err)
	}
	return cols, nil
}

// CreateColumn adds a stage to the workspace pipeline. The resulting pipeline
// must remain valid.
func (s *Service) CreateColumn(ctx context.Context, workspaceID string, sc pipeline.StageConfig) (*models.Column, error) {
	if _, err := s.Get(ctx, workspaceID); err != nil {
		return nil, err
	}
	cols, err := s.Columns(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	candidate := &pipeline.Pipeline{Stages: []pipeline.StageConfig{sc}}
	candidate.ApplyDefaults()
	sc = candidate.Stages[0]

	col := db.ColumnFromStage(workspaceID, sc)
	col.ID = uuid.NewString()
	if err := checkColumns(append(cols, col)); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(&col).Error; err != nil {
		return nil, fmt.Errorf("workspace: create column %q: %w", sc.Stage, err)
	}
	s.log.Info("column created", "workspace", workspaceID, "stage", sc.Stage)
	return &col, nil
}

// UpdateColumn applies a partial update to a column. The update is rejected
// when it would leave the workspace pipeline invalid.
func (s *Service) UpdateColumn(ctx context.Context, columnID string, patch ColumnPatch) (*models.Column, error) {
	var col models.Column
	if err := s.db.WithContext(ctx).Where("id = ?", columnID).First(&col).Error; err != nil {
		return nil, fmt.Errorf("workspace: get column %s: %w", columnID, err)
	}
	cols, err := s.Columns(ctx, col.WorkspaceID)
	if err != nil {
		return nil, err
	}
	patch.apply(&col)
	for i := range cols {
		if cols[i].ID == col.ID {
			cols[i] = col
		}
	}
	if err := checkColumns(cols); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Save(&col).Error; err != nil {
		return nil, fmt.Errorf("workspace: update column %s: %w", columnID, err)
	}
	s.log.Info("column updated", "workspace", col.WorkspaceID, "stage", col.Stage)
	return &col, nil
}

// checkColumns validates cols as a complete pipeline.
func checkColumns(cols []models.Column) error {
	p := &pipeline.Pipeline{}
	for _, c := range cols {
		p.Stages = append(p.Stages, db.StageFromColumn(c))
	}
	if err := p.Validate(); err != nil {
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			return &InputError{Problems: verr.Problems}
		}
		return err
	}
	return nil
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
