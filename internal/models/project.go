package models

import "time"

// StageConfidence is the alignment score of a project's documents with a stage.
type StageConfidence struct {
	Score     float64   `json:"score"`
	Summary   string    `json:"summary,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProjectMetadata is the free-form metadata blob of a project.
type ProjectMetadata struct {
	StageConfidence map[string]StageConfidence `json:"stageConfidence,omitempty"`
}

// Project is a work item moving through the pipeline.
type Project struct {
	ID              string          `gorm:"primaryKey;size:36"`
	WorkspaceID     string          `gorm:"size:36;not null;index"`
	Name            string          `gorm:"size:256;not null"`
	Stage           string          `gorm:"size:16;not null;index"`
	Status          string          `gorm:"size:16;default:active;index"`
	Priority        int             `gorm:"default:2"`
	IsLocked        bool            `gorm:"default:false"`
	ActiveJobStatus string          `gorm:"size:16"`
	Metadata        ProjectMetadata `gorm:"serializer:json"`
	CreatedAt       time.Time
	UpdatedAt       time.Time

	History   []StageHistory `gorm:"foreignKey:ProjectID"`
	Documents []Document     `gorm:"foreignKey:ProjectID"`
}

// StageHistory records when a project entered and left a stage.
type StageHistory struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	ProjectID   string `gorm:"size:36;not null;index"`
	Stage       string `gorm:"size:16;not null"`
	TriggeredBy string `gorm:"size:64"`
	EnteredAt   time.Time
	ExitedAt    *time.Time
}

// Approval is a single sign-off for a project to enter a stage.
type Approval struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	ProjectID string `gorm:"size:36;not null;uniqueIndex:idx_approval"`
	Stage     string `gorm:"size:16;not null;uniqueIndex:idx_approval"`
	Approver  string `gorm:"size:64;not null;uniqueIndex:idx_approval"`
	CreatedAt time.Time
}
