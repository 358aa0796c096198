package db

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/pipeline"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Workspace{},
		&models.Column{},
		&models.Project{},
		&models.StageHistory{},
		&models.Approval{},
		&models.Document{},
		&models.Job{},
		&models.IterationRun{},
		&models.JuryEvaluation{},
		&models.Notification{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedColumns inserts a Column row for every stage of p that the workspace
// does not already have. Existing columns are left untouched so that user
// edits survive a re-seed.
func SeedColumns(db *gorm.DB, workspaceID string, p *pipeline.Pipeline) error {
	for _, sc := range p.Stages {
		col := ColumnFromStage(workspaceID, sc)
		col.ID = uuid.NewString()

		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "stage"}},
			DoNothing: true,
		}).Create(&col)
		if result.Error != nil {
			return fmt.Errorf("db: seed column %q: %w", sc.Stage, result.Error)
		}
	}
	return nil
}

// ColumnFromStage converts a pipeline stage into its persisted form.
func ColumnFromStage(workspaceID string, sc pipeline.StageConfig) models.Column {
	return models.Column{
		WorkspaceID:       workspaceID,
		Stage:             string(sc.Stage),
		DisplayName:       sc.DisplayName,
		Color:             sc.Color,
		Position:          sc.Order,
		Enabled:           sc.Enabled,
		AutoTriggerJobs:   jobStrings(sc.AutoTriggerJobs),
		RequiredDocuments: docStrings(sc.RequiredDocuments),
		RequiredApprovals: sc.RequiredApprovals,
		HumanInLoop:       sc.HumanInLoop,
		Rules: models.ColumnRules{
			ContextPaths:    sc.Rules.ContextPaths,
			ContextNotes:    sc.Rules.ContextNotes,
			LoopGroupID:     sc.Rules.LoopGroupID,
			LoopTargets:     stageStrings(sc.Rules.LoopTargets),
			DependencyNotes: sc.Rules.DependencyNotes,
		},
	}
}

// StageFromColumn converts a persisted column back to a pipeline stage.
func StageFromColumn(c models.Column) pipeline.StageConfig {
	sc := pipeline.StageConfig{
		Stage:             pipeline.StageID(c.Stage),
		DisplayName:       c.DisplayName,
		Color:             c.Color,
		Order:             c.Position,
		Enabled:           c.Enabled,
		RequiredApprovals: c.RequiredApprovals,
		HumanInLoop:       c.HumanInLoop,
		Rules: pipeline.Rules{
			ContextPaths:    c.Rules.ContextPaths,
			ContextNotes:    c.Rules.ContextNotes,
			LoopGroupID:     c.Rules.LoopGroupID,
			DependencyNotes: c.Rules.DependencyNotes,
		},
	}
	for _, j := range c.AutoTriggerJobs {
		sc.AutoTriggerJobs = append(sc.AutoTriggerJobs, pipeline.JobType(j))
	}
	for _, d := range c.RequiredDocuments {
		sc.RequiredDocuments = append(sc.RequiredDocuments, pipeline.DocumentType(d))
	}
	for _, s := range c.Rules.LoopTargets {
		sc.Rules.LoopTargets = append(sc.Rules.LoopTargets, pipeline.StageID(s))
	}
	return sc
}

func jobStrings(in []pipeline.JobType) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func docStrings(in []pipeline.DocumentType) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func stageStrings(in []pipeline.StageID) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
