// Package documents stores the versioned documents that projects accumulate.
// Every save of a (project, type) pair creates a new version; earlier
// versions are kept.
package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/pipeline"
	"gorm.io/gorm"
)

const (
	GeneratedByUser = "user"
	GeneratedByAI   = "ai"
)

// Input describes a document to save.
type Input struct {
	ProjectID   string                `json:"projectId"`
	Type        pipeline.DocumentType `json:"type" binding:"required"`
	Title       string                `json:"title"`
	Content     string                `json:"content" binding:"required"`
	GeneratedBy string                `json:"generatedBy"`
}

// Store reads and writes project documents.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewStore creates a document Store.
func NewStore(gormDB *gorm.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: gormDB, log: log}
}

// Save stores a new version of a document.
func (s *Store) Save(ctx context.Context, in Input) (*models.Document, error) {
	var doc *models.Document
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		doc, err = SaveTx(tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("document saved", "project", doc.ProjectID, "type", doc.Type, "version", doc.Version)
	return doc, nil
}

// SaveTx stores a new version of a document using tx. The version is one more
// than the highest stored version for the same project and type.
func SaveTx(tx *gorm.DB, in Input) (*models.Document, error) {
	if in.ProjectID == "" {
		return nil, fmt.Errorf("documents: project id is required")
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("documents: unknown document type %q", in.Type)
	}
	switch in.GeneratedBy {
	case "":
		in.GeneratedBy = GeneratedByUser
	case GeneratedByUser, GeneratedByAI:
	default:
		return nil, fmt.Errorf("documents: generatedBy %q must be user or ai", in.GeneratedBy)
	}

	var current int
	if err := tx.Model(&models.Document{}).
		Where("project_id = ? AND type = ?", in.ProjectID, string(in.Type)).
		Select("COALESCE(MAX(version), 0)").
		Scan(&current).Error; err != nil {
		return nil, fmt.Errorf("documents: current version: %w", err)
	}

	doc := &models.Document{
		ID:           uuid.NewString(),
		ProjectID:    in.ProjectID,
		Type:         string(in.Type),
		Title:        in.Title,
		Content:      in.Content,
		Version:      current + 1,
		GeneratedBy:  in.GeneratedBy,
		ReviewStatus: "draft",
	}
	if err := tx.Create(doc).Error; err != nil {
		return nil, fmt.Errorf("documents: save %s/%s: %w", in.ProjectID, in.Type, err)
	}
	return doc, nil
}

// Latest returns the highest version of a document type for a project.
func (s *Store) Latest(ctx context.Context, projectID string, typ pipeline.DocumentType) (*models.Document, error) {
	var doc models.Document
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND type = ?", projectID, string(typ)).
		Order("version DESC").
		First(&doc).Error
	if err != nil {
		return nil, fmt.Errorf("documents: latest %s/%s: %w", projectID, typ, err)
	}
	return &doc, nil
}

// List returns the latest version of every document type for a project.
func (s *Store) List(ctx context.Context, projectID string) ([]models.Document, error) {
	var all []models.Document
	if err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("type, version DESC").
		Find(&all).Error; err != nil {
		return nil, fmt.Errorf("documents: list %s: %w", projectID, err)
	}
	out := make([]models.Document, 0, len(all))
	seen := make(map[string]bool)
	for _, d := range all {
		if seen[d.Type] {
			continue
		}
		seen[d.Type] = true
		out = append(out, d)
	}
	return out, nil
}

// Count returns the number of stored documents, all versions included.
func (s *Store) Count(ctx context.Context, projectID string) (int64, error) {
	return CountTx(s.db.WithContext(ctx), projectID)
}

// CountTx is Count using conn.
func CountTx(conn *gorm.DB, projectID string) (int64, error) {
	var n int64
	if err := conn.Model(&models.Document{}).Where("project_id = ?", projectID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("documents: count %s: %w", projectID, err)
	}
	return n, nil
}

// Missing returns the types in required for which the project has no document.
func Missing(conn *gorm.DB, projectID string, required []pipeline.DocumentType) ([]pipeline.DocumentType, error) {
	if len(required) == 0 {
		return nil, nil
	}
	var have []string
	if err := conn.Model(&models.Document{}).
		Where("project_id = ?", projectID).
		Distinct("type").
		Pluck("type", &have).Error; err != nil {
		return nil, fmt.Errorf("documents: list types %s: %w", projectID, err)
	}
	present := make(map[string]bool, len(have))
	for _, t := range have {
		present[t] = true
	}
	var missing []pipeline.DocumentType
	for _, r := range required {
		if !present[string(r)] {
			missing = append(missing, r)
		}
	}
	return missing, nil
}

// SetReviewStatus updates the review status of a document.
func (s *Store) SetReviewStatus(ctx context.Context, id, status string) error {
	switch status {
	case "draft", "in_review", "approved":
	default:
		return fmt.Errorf("documents: unknown review status %q", status)
	}
	res := s.db.WithContext(ctx).Model(&models.Document{}).Where("id = ?", id).Update("review_status", status)
	if res.Error != nil {
		return fmt.Errorf("documents: review %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("documents: review %s: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

// IsNotFound reports whether err is a missing-document error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
