package models

import "time"

// NotificationAction is the optional call to action attached to a notification.
type NotificationAction struct {
	Type  string         `json:"type"`
	Label string         `json:"label"`
	URL   string         `json:"url,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// NotificationMetadata carries diagnostic context for a notification.
type NotificationMetadata struct {
	ErrorDetails  string `json:"errorDetails,omitempty"`
	SuggestedFix  string `json:"suggestedFix,omitempty"`
	RelatedEntity string `json:"relatedEntity,omitempty"`
}

// Notification is a user-facing alert produced from workflow and job events.
type Notification struct {
	ID          string               `gorm:"primaryKey;size:36"`
	WorkspaceID string               `gorm:"size:36;not null;index:idx_notification_dedupe"`
	ProjectID   *string              `gorm:"size:36;index:idx_notification_dedupe"`
	JobID       *string              `gorm:"size:36;index:idx_notification_dedupe"`
	Type        string               `gorm:"size:32;not null;index:idx_notification_dedupe"`
	Priority    string               `gorm:"size:8;default:medium"`
	Status      string               `gorm:"size:16;default:unread;index"`
	Title       string               `gorm:"size:256;not null"`
	Message     string               `gorm:"type:text"`
	Action      *NotificationAction  `gorm:"serializer:json"`
	Metadata    NotificationMetadata `gorm:"serializer:json"`
	ReadAt      *time.Time
	ActionedAt  *time.Time
	ExpiresAt   *time.Time `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
