package models

import "time"

// Document is a versioned artifact attached to a project.
type Document struct {
	ID           string `gorm:"primaryKey;size:36"`
	ProjectID    string `gorm:"size:36;not null;index:idx_project_type"`
	Type         string `gorm:"size:32;not null;index:idx_project_type"`
	Title        string `gorm:"size:256"`
	Content      string `gorm:"type:text"`
	Version      int    `gorm:"not null;default:1"`
	GeneratedBy  string `gorm:"size:8;default:user"`
	ReviewStatus string `gorm:"size:16;default:draft"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
