package models

import "time"

// ColumnRules holds loop membership and free-form context for a column.
type ColumnRules struct {
	ContextPaths    []string `json:"contextPaths,omitempty"`
	ContextNotes    string   `json:"contextNotes,omitempty"`
	LoopGroupID     string   `json:"loopGroupId,omitempty"`
	LoopTargets     []string `json:"loopTargets,omitempty"`
	DependencyNotes string   `json:"dependencyNotes,omitempty"`
}

// Column is the persisted configuration of one pipeline stage in a workspace.
type Column struct {
	ID                string `gorm:"primaryKey;size:36"`
	WorkspaceID       string `gorm:"size:36;not null;uniqueIndex:idx_workspace_stage"`
	Stage             string `gorm:"size:16;not null;uniqueIndex:idx_workspace_stage"`
	DisplayName       string `gorm:"size:64;not null"`
	Color             string `gorm:"size:16"`
	Position          int    `gorm:"not null"`
	Enabled           bool
	AutoTriggerJobs   []string    `gorm:"serializer:json"`
	RequiredDocuments []string    `gorm:"serializer:json"`
	RequiredApprovals int         `gorm:"default:0"`
	HumanInLoop       bool        `gorm:"default:false"`
	Rules             ColumnRules `gorm:"serializer:json"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
