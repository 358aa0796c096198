// Package notify turns workflow and job events into persisted, user-facing
// notifications and forwards them to optional chat sinks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/pipeline"
	"gorm.io/gorm"
)

// Type is the closed set of notification types.
type Type string

const (
	TypeJobCompleted      Type = "job_completed"
	TypeJobFailed         Type = "job_failed"
	TypeApprovalRequired  Type = "approval_required"
	TypeStageChanged      Type = "stage_changed"
	TypeStageBlocked      Type = "stage_blocked"
	TypeIterationComplete Type = "iteration_complete"
	TypeIntegrationError  Type = "integration_error"
)

// Valid reports whether t is a known notification type.
func (t Type) Valid() bool {
	_, ok := defaultPriority[t]
	return ok
}

// Priority orders notifications by urgency.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Notification statuses.
const (
	StatusUnread    = "unread"
	StatusRead      = "read"
	StatusDismissed = "dismissed"
)

// ActionRetryJob is the action type attached to job_failed notifications.
const ActionRetryJob = "retry_job"

var defaultPriority = map[Type]Priority{
	TypeJobFailed:         PriorityHigh,
	TypeIntegrationError:  PriorityUrgent,
	TypeJobCompleted:      PriorityLow,
	TypeApprovalRequired:  PriorityMedium,
	TypeStageBlocked:      PriorityHigh,
	TypeStageChanged:      PriorityLow,
	TypeIterationComplete: PriorityMedium,
}

// Low-value notifications expire on their own; the rest stay until purged by
// the user.
var defaultTTL = map[Type]time.Duration{
	TypeJobCompleted: 7 * 24 * time.Hour,
	TypeStageChanged: 7 * 24 * time.Hour,
}

// ErrSuppressed is returned by Emit when workspace settings gate the event off.
var ErrSuppressed = errors.New("notify: suppressed by workspace settings")

// Event is a notification request.
type Event struct {
	WorkspaceID string
	ProjectID   string
	JobID       string
	Type        Type
	// Stage is the stage a stage_changed event moved into.
	Stage    string
	Priority Priority
	Title    string
	Message  string
	Action   *models.NotificationAction
	Metadata models.NotificationMetadata
	// ExpiresAt overrides the type's default expiry.
	ExpiresAt *time.Time
}

// Sink delivers persisted notifications to an outside channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n *models.Notification) error
}

// Dispatcher persists notifications and fans them out to sinks.
type Dispatcher struct {
	db    *gorm.DB
	log   *slog.Logger
	sinks []Sink
	wg    sync.WaitGroup

	// Now returns the current time.
	Now func() time.Time
}

// New creates a Dispatcher delivering to sinks.
func New(gormDB *gorm.DB, log *slog.Logger, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		db:    gormDB,
		log:   log,
		sinks: sinks,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// Emit records ev as a notification. An unread, unexpired notification with
// the same type, project and job is refreshed instead of duplicated.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) (*models.Notification, error) {
	if !ev.Type.Valid() {
		return nil, fmt.Errorf("notify: unknown notification type %q", ev.Type)
	}
	if ev.WorkspaceID == "" {
		return nil, fmt.Errorf("notify: workspace id is required")
	}

	var ws models.Workspace
	if err := d.db.WithContext(ctx).Where("id = ?", ev.WorkspaceID).First(&ws).Error; err != nil {
		return nil, fmt.Errorf("notify: load workspace %s: %w", ev.WorkspaceID, err)
	}
	if !allowed(&ws, ev) {
		return nil, ErrSuppressed
	}

	if ev.Priority == "" {
		ev.Priority = defaultPriority[ev.Type]
	}
	now := d.Now()

	existing, err := d.findDuplicate(ctx, ev, now)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := d.db.WithContext(ctx).Model(existing).Updates(map[string]interface{}{
			"message":    ev.Message,
			"priority":   string(ev.Priority),
			"updated_at": now,
		}).Error; err != nil {
			return nil, fmt.Errorf("notify: refresh %s: %w", existing.ID, err)
		}
		existing.Message = ev.Message
		existing.Priority = string(ev.Priority)
		existing.UpdatedAt = now
		return existing, nil
	}

	n := &models.Notification{
		ID:          uuid.NewString(),
		WorkspaceID: ev.WorkspaceID,
		ProjectID:   optional(ev.ProjectID),
		JobID:       optional(ev.JobID),
		Type:        string(ev.Type),
		Priority:    string(ev.Priority),
		Status:      StatusUnread,
		Title:       ev.Title,
		Message:     ev.Message,
		Action:      ev.Action,
		Metadata:    ev.Metadata,
		ExpiresAt:   ev.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if n.ExpiresAt == nil {
		if ttl, ok := defaultTTL[ev.Type]; ok {
			exp := now.Add(ttl)
			n.ExpiresAt = &exp
		}
	}
	if err := d.db.WithContext(ctx).Create(n).Error; err != nil {
		return nil, fmt.Errorf("notify: create %s: %w", ev.Type, err)
	}
	d.log.Info("notification emitted", "type", n.Type, "workspace", n.WorkspaceID, "priority", n.Priority)
	d.deliver(n)
	return n, nil
}

// Wait blocks until in-flight sink deliveries finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) deliver(n *models.Notification) {
	for _, s := range d.sinks {
		d.wg.Add(1)
		go func(s Sink) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.Deliver(ctx, n); err != nil {
				d.log.Warn("notification delivery failed", "sink", s.Name(), "notification", n.ID, "error", err)
			}
		}(s)
	}
}

func (d *Dispatcher) findDuplicate(ctx context.Context, ev Event, now time.Time) (*models.Notification, error) {
	query := d.db.WithContext(ctx).
		Where("workspace_id = ? AND type = ? AND status = ?", ev.WorkspaceID, string(ev.Type), StatusUnread).
		Where("expires_at IS NULL OR expires_at > ?", now)
	query = whereOptional(query, "project_id", ev.ProjectID)
	query = whereOptional(query, "job_id", ev.JobID)

	var n models.Notification
	err := query.Order("created_at DESC").First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("notify: find duplicate: %w", err)
	}
	return &n, nil
}

// allowed applies the workspace's notification toggles to ev.
func allowed(ws *models.Workspace, ev Event) bool {
	if !ws.BrowserNotificationsEnabled {
		return false
	}
	switch ev.Type {
	case TypeJobCompleted:
		return ws.NotifyOnJobComplete
	case TypeJobFailed:
		return ws.NotifyOnJobFailed
	case TypeApprovalRequired:
		return ws.NotifyOnApprovalRequired
	case TypeStageChanged:
		return ws.AutomationNotifyStage == "" || ws.AutomationNotifyStage == pipeline.NotifyAlways ||
			ws.AutomationNotifyStage == ev.Stage
	}
	return true
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func whereOptional(q *gorm.DB, column, value string) *gorm.DB {
	if value == "" {
		return q.Where(column + " IS NULL")
	}
	return q.Where(column+" = ?", value)
}
