// Package workspace manages workspace settings and the pipeline columns that
// make up each workspace's stage configuration.
package workspace

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/zulandar/stageline/internal/db"
	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/pipeline"
	"gorm.io/gorm"
)

// New returns a workspace with initial settings: manual automation, server
// execution, light validation and every notification toggle on. The worker
// starts disabled.
func New(name string) *models.Workspace {
	return &models.Workspace{
		ID:                          uuid.NewString(),
		Name:                        name,
		AutomationMode:              string(pipeline.AutomationManual),
		AutomationNotifyStage:       pipeline.NotifyAlways,
		AIExecutionMode:             string(pipeline.ExecServer),
		AIValidationMode:            string(pipeline.ValidateLight),
		AIFallbackAfterMinutes:      30,
		WorkerMaxConcurrency:        10,
		BrowserNotificationsEnabled: true,
		NotifyOnJobComplete:         true,
		NotifyOnJobFailed:           true,
		NotifyOnApprovalRequired:    true,
	}
}

// Service reads and writes workspaces and their columns.
type Service struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewService creates a workspace Service.
func NewService(gormDB *gorm.DB, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: gormDB, log: log}
}

// Create stores a new workspace and seeds its columns from p. A nil p seeds
// the default pipeline.
func (s *Service) Create(ctx context.Context, name string, p *pipeline.Pipeline) (*models.Workspace, error) {
	if name == "" {
		return nil, fmt.Errorf("workspace: name is required")
	}
	if p == nil {
		p = pipeline.Default()
	}
	ws := New(name)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ws).Error; err != nil {
			return err
		}
		return db.SeedColumns(tx, ws.ID, p)
	})
	if err != nil {
		return nil, fmt.Errorf("workspace: create %q: %w", name, err)
	}
	s.log.Info("workspace created", "workspace", ws.ID, "name", name, "stages", len(p.Stages))
	return ws, nil
}

// Get returns the workspace with the given id.
func (s *Service) Get(ctx context.Context, id string) (*models.Workspace, error) {
	var ws models.Workspace
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&ws).Error; err != nil {
		return nil, fmt.Errorf("workspace: get %s: %w", id, err)
	}
	return &ws, nil
}

// FindByName returns the workspace with the given name.
func (s *Service) FindByName(ctx context.Context, name string) (*models.Workspace, error) {
	var ws models.Workspace
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&ws).Error; err != nil {
		return nil, fmt.Errorf("workspace: find %q: %w", name, err)
	}
	return &ws, nil
}

// List returns every workspace ordered by name.
func (s *Service) List(ctx context.Context) ([]models.Workspace, error) {
	var out []models.Workspace
	if err := s.db.WithContext(ctx).Order("name").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("workspace: list: %w", err)
	}
	return out, nil
}

// Pipeline assembles the workspace pipeline from its persisted columns.
func (s *Service) Pipeline(ctx context.Context, workspaceID string) (*pipeline.Pipeline, error) {
	return LoadPipeline(s.db.WithContext(ctx), workspaceID)
}

// LoadPipeline assembles a workspace pipeline from its columns using conn,
// which may be a transaction.
func LoadPipeline(conn *gorm.DB, workspaceID string) (*pipeline.Pipeline, error) {
	var cols []models.Column
	if err := conn.Where("workspace_id = ?", workspaceID).Order("position").Find(&cols).Error; err != nil {
		return nil, fmt.Errorf("workspace: load columns for %s: %w", workspaceID, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("workspace: %s has no columns: %w", workspaceID, gorm.ErrRecordNotFound)
	}
	p := &pipeline.Pipeline{Stages: make([]pipeline.StageConfig, 0, len(cols))}
	for _, c := range cols {
		p.Stages = append(p.Stages, db.StageFromColumn(c))
	}
	return p, nil
}
