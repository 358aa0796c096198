package models

import "time"

// Job is a unit of generation, evaluation or deployment work.
type Job struct {
	ID             string         `gorm:"primaryKey;size:36"`
	WorkspaceID    string         `gorm:"size:36;not null;index:idx_job_claim"`
	ProjectID      string         `gorm:"size:36;index"`
	Type           string         `gorm:"size:32;not null"`
	Input          map[string]any `gorm:"serializer:json"`
	Status         string         `gorm:"size:16;default:pending;index:idx_job_claim"`
	WorkerID       string         `gorm:"size:64"`
	Attempt        int            `gorm:"default:0"`
	MaxAttempts    int            `gorm:"default:3"`
	RunAt          *time.Time     `gorm:"index"`
	AwaitingAgent  bool           `gorm:"default:false"`
	Output         map[string]any `gorm:"serializer:json"`
	Warnings       []string       `gorm:"serializer:json"`
	Error          string         `gorm:"type:text"`
	IterationRunID *string        `gorm:"size:36;index"`
	CreatedAt      time.Time      `gorm:"index:idx_job_claim"`
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}
