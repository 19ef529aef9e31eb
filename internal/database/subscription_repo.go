package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"saas-fulfillment/internal/models"

	"gorm.io/gorm"
)

// SubscriptionRepo persists subscriptions with optimistic concurrency on version
type SubscriptionRepo struct {
	db *gorm.DB
}

// NewSubscriptionRepo creates a new subscription repository
func NewSubscriptionRepo(db *gorm.DB) *SubscriptionRepo {
	return &SubscriptionRepo{db: db}
}

// GetByExternalID loads a subscription by its marketplace id
func (r *SubscriptionRepo) GetByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrRecordNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// Insert creates a subscription; a second insert for the same external id
// fails with models.ErrDuplicate.
func (r *SubscriptionRepo) Insert(ctx context.Context, sub *models.Subscription) error {
	if sub.Version == 0 {
		sub.Version = 1
	}
	if err := r.db.WithContext(ctx).Create(sub).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("subscription %s: %w", sub.ExternalID, models.ErrDuplicate)
		}
		return err
	}
	return nil
}

// UpdateWithVersionCheck writes the mutable fields only if the stored version
// still equals sub.Version, then bumps sub.Version. The external id is never
// written.
func (r *SubscriptionRepo) UpdateWithVersionCheck(ctx context.Context, sub *models.Subscription) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND version = ?", sub.ID, sub.Version).
		Updates(map[string]interface{}{
			"state":             sub.State,
			"plan_id":           sub.PlanID,
			"quantity":          sub.Quantity,
			"last_confirmed_at": sub.LastConfirmedAt,
			"version":           sub.Version + 1,
			"updated_at":        now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("subscription %s at version %d: %w", sub.ExternalID, sub.Version, models.ErrVersionConflict)
	}
	sub.Version++
	sub.UpdatedAt = now
	return nil
}

// ListByState returns subscriptions in a state, newest first
func (r *SubscriptionRepo) ListByState(ctx context.Context, state models.State, limit int) ([]models.Subscription, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var subs []models.Subscription
	q := r.db.WithContext(ctx).Order("updated_at DESC").Limit(limit)
	if state != "" {
		q = q.Where("state = ?", state)
	}
	err := q.Find(&subs).Error
	return subs, err
}
