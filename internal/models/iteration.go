package models

import "time"

// IterationRun groups the jury-evaluation jobs of one "run N iterations"
// request and accumulates their results.
type IterationRun struct {
	ID                  string  `gorm:"primaryKey;size:36"`
	WorkspaceID         string  `gorm:"size:36;not null"`
	ProjectID           string  `gorm:"size:36;not null;index"`
	Phase               string  `gorm:"size:16;not null"`
	TotalIterations     int     `gorm:"not null"`
	CompletedIterations int     `gorm:"default:0"`
	FailedIterations    int     `gorm:"default:0"`
	Status              string  `gorm:"size:16;default:running;index"`
	ApprovalRate        float64 `gorm:"default:0"`
	ConditionalRate     float64 `gorm:"default:0"`
	RejectionRate       float64 `gorm:"default:0"`
	PassCount           int     `gorm:"default:0"`
	FailCount           int     `gorm:"default:0"`
	ConditionalCount    int     `gorm:"default:0"`
	Verdict             *string `gorm:"size:16"`
	CreatedAt           time.Time
	CompletedAt         *time.Time

	Evaluations []JuryEvaluation `gorm:"foreignKey:IterationRunID"`
}

// JuryEvaluation is the verdict of one synthetic jury run.
type JuryEvaluation struct {
	ID              string   `gorm:"primaryKey;size:36"`
	ProjectID       string   `gorm:"size:36;not null;index"`
	IterationRunID  *string  `gorm:"size:36;index"`
	JobID           string   `gorm:"size:36;uniqueIndex"`
	Iteration       int      `gorm:"default:0"`
	Phase           string   `gorm:"size:16;not null"`
	ApprovalRate    float64  `gorm:"not null"`
	ConditionalRate float64  `gorm:"not null"`
	RejectionRate   float64  `gorm:"not null"`
	Verdict         *string  `gorm:"size:16"`
	TopConcerns     []string `gorm:"serializer:json"`
	TopSuggestions  []string `gorm:"serializer:json"`
	CreatedAt       time.Time
}
