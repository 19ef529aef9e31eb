package database

import (
	"context"
	"errors"
	"fmt"

	"saas-fulfillment/internal/models"

	"gorm.io/gorm"
)

// AuditRepo is the append-only audit log. It exposes no update or delete.
type AuditRepo struct {
	db *gorm.DB
}

// NewAuditRepo creates a new audit repository
func NewAuditRepo(db *gorm.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// Append inserts an entry. A second terminal entry for the same key fails with
// models.ErrDuplicate.
func (r *AuditRepo) Append(ctx context.Context, entry *models.AuditEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("audit key %s: %w", entry.IdempotencyKey, models.ErrDuplicate)
		}
		return err
	}
	return nil
}

// FindByKey returns the terminal entry recorded for key
func (r *AuditRepo) FindByKey(ctx context.Context, key string) (*models.AuditEntry, error) {
	var entry models.AuditEntry
	err := r.db.WithContext(ctx).Where("terminal_key = ?", key).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrRecordNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// ListByExternalID returns the history of one subscription, newest first
func (r *AuditRepo) ListByExternalID(ctx context.Context, externalID string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []models.AuditEntry
	err := r.db.WithContext(ctx).
		Where("external_id = ?", externalID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
