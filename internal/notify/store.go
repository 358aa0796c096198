package notify

import (
	"context"
	"fmt"

	"github.com/zulandar/stageline/internal/models"
	"gorm.io/gorm"
)

// ListFilter selects notifications for List.
type ListFilter struct {
	WorkspaceID string
	// Status restricts results to one status. Empty lists unread and read.
	Status string
	Limit  int
}

// List returns the live notifications of a workspace, newest first. Before
// listing, job_failed notifications whose job has since completed are
// expired so that a successful retry clears the alert.
func (d *Dispatcher) List(ctx context.Context, f ListFilter) ([]models.Notification, error) {
	if f.WorkspaceID == "" {
		return nil, fmt.Errorf("notify: workspace id is required")
	}
	now := d.Now()

	completed := d.db.Model(&models.Job{}).Select("id").Where("status = ?", "completed")
	if err := d.db.WithContext(ctx).Model(&models.Notification{}).
		Where("workspace_id = ? AND type = ? AND job_id IN (?)", f.WorkspaceID, string(TypeJobFailed), completed).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Update("expires_at", now).Error; err != nil {
		return nil, fmt.Errorf("notify: expire resolved failures: %w", err)
	}

	query := d.db.WithContext(ctx).
		Where("workspace_id = ?", f.WorkspaceID).
		Where("expires_at IS NULL OR expires_at > ?", now)
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	} else {
		query = query.Where("status <> ?", StatusDismissed)
	}
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}
	var out []models.Notification
	if err := query.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("notify: list: %w", err)
	}
	return out, nil
}

// Get returns a notification by id.
func (d *Dispatcher) Get(ctx context.Context, id string) (*models.Notification, error) {
	var n models.Notification
	if err := d.db.WithContext(ctx).Where("id = ?", id).First(&n).Error; err != nil {
		return nil, fmt.Errorf("notify: get %s: %w", id, err)
	}
	return &n, nil
}

// MarkRead marks a notification read.
func (d *Dispatcher) MarkRead(ctx context.Context, id string) (*models.Notification, error) {
	return d.SetStatus(ctx, id, StatusRead)
}

// Dismiss marks a notification dismissed and records when it was actioned.
func (d *Dispatcher) Dismiss(ctx context.Context, id string) (*models.Notification, error) {
	return d.SetStatus(ctx, id, StatusDismissed)
}

// SetStatus moves a notification to status.
func (d *Dispatcher) SetStatus(ctx context.Context, id, status string) (*models.Notification, error) {
	now := d.Now()
	updates := map[string]interface{}{"status": status}
	switch status {
	case StatusRead:
		updates["read_at"] = now
	case StatusDismissed:
		updates["actioned_at"] = now
	case StatusUnread:
		updates["read_at"] = nil
	default:
		return nil, fmt.Errorf("notify: unknown status %q", status)
	}
	res := d.db.WithContext(ctx).Model(&models.Notification{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("notify: set status %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("notify: set status %s: %w", id, gorm.ErrRecordNotFound)
	}
	return d.Get(ctx, id)
}

// MarkAllRead marks every unread notification of a workspace read.
func (d *Dispatcher) MarkAllRead(ctx context.Context, workspaceID string) (int64, error) {
	res := d.db.WithContext(ctx).Model(&models.Notification{}).
		Where("workspace_id = ? AND status = ?", workspaceID, StatusUnread).
		Updates(map[string]interface{}{"status": StatusRead, "read_at": d.Now()})
	if res.Error != nil {
		return 0, fmt.Errorf("notify: mark all read: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// PurgeExpired deletes notifications whose expiry has passed.
func (d *Dispatcher) PurgeExpired(ctx context.Context) (int64, error) {
	res := d.db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at <= ?", d.Now()).
		Delete(&models.Notification{})
	if res.Error != nil {
		return 0, fmt.Errorf("notify: purge expired: %w", res.Error)
	}
	return res.RowsAffected, nil
}
