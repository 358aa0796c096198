package models

import "time"

// Workspace owns projects, pipeline columns and the automation settings that
// govern them. Boolean toggles carry no column default so that an explicit
// false survives Create; use workspace.New for sensible initial values.
type Workspace struct {
	ID                          string `gorm:"primaryKey;size:36"`
	Name                        string `gorm:"size:128;not null"`
	AutomationMode              string `gorm:"size:16;default:manual"`
	AutomationStopStage         string `gorm:"size:16"`
	AutomationNotifyStage       string `gorm:"size:16;default:always"`
	AIExecutionMode             string `gorm:"size:16;default:server"`
	AIValidationMode            string `gorm:"size:16;default:light"`
	AIFallbackAfterMinutes      int    `gorm:"default:30"`
	WorkerEnabled               bool
	WorkerMaxConcurrency        int `gorm:"default:10"`
	BrowserNotificationsEnabled bool
	NotifyOnJobComplete         bool
	NotifyOnJobFailed           bool
	NotifyOnApprovalRequired    bool
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
}
