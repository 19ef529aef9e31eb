package database

import (
	"context"
	"errors"
	"strings"

	"saas-fulfillment/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PlanRepo reads and maintains offers, plans and plan-event mappings
type PlanRepo struct {
	db *gorm.DB
}

// NewPlanRepo creates a new plan repository
func NewPlanRepo(db *gorm.DB) *PlanRepo {
	return &PlanRepo{db: db}
}

// GetPlan loads an active plan of an offer
func (r *PlanRepo) GetPlan(ctx context.Context, offerID, planID string) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.WithContext(ctx).
		Where("offer_id = ? AND plan_id = ? AND is_active = ?", offerID, planID, true).
		First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrRecordNotFound
		}
		return nil, err
	}
	return &plan, nil
}

// ListPlans lists the plans of an offer
func (r *PlanRepo) ListPlans(ctx context.Context, offerID string) ([]models.Plan, error) {
	var plans []models.Plan
	err := r.db.WithContext(ctx).Where("offer_id = ?", offerID).Order("plan_id").Find(&plans).Error
	return plans, err
}

// IsActionAllowed consults the plan-event mapping; no row means allowed
func (r *PlanRepo) IsActionAllowed(ctx context.Context, planID string, action models.Action) (bool, error) {
	mapping, err := r.getMapping(ctx, planID, action)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			return true, nil
		}
		return false, err
	}
	return mapping.Enabled, nil
}

// NotifyEmails returns the extra recipients configured for a plan/action
func (r *PlanRepo) NotifyEmails(ctx context.Context, planID string, action models.Action) ([]string, error) {
	mapping, err := r.getMapping(ctx, planID, action)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var emails []string
	for _, e := range strings.Split(mapping.NotifyEmails, ",") {
		if e = strings.TrimSpace(e); e != "" {
			emails = append(emails, e)
		}
	}
	return emails, nil
}

func (r *PlanRepo) getMapping(ctx context.Context, planID string, action models.Action) (*models.PlanEventMapping, error) {
	var mapping models.PlanEventMapping
	err := r.db.WithContext(ctx).Where("plan_id = ? AND action = ?", planID, action).First(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrRecordNotFound
		}
		return nil, err
	}
	return &mapping, nil
}

// UpsertOffer makes sure the offer row exists
func (r *PlanRepo) UpsertOffer(ctx context.Context, offer *models.Offer) error {
	return r.db.WithContext(ctx).
		Where("offer_id = ?", offer.OfferID).
		Assign(models.Offer{DisplayName: offer.DisplayName}).
		FirstOrCreate(offer).Error
}

// UpsertPlans stores the plans reported by the marketplace for an offer
func (r *PlanRepo) UpsertPlans(ctx context.Context, offerID string, plans []models.Plan) error {
	if len(plans) == 0 {
		return nil
	}
	for i := range plans {
		plans[i].OfferID = offerID
		plans[i].IsActive = true
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "offer_id"}, {Name: "plan_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "description", "is_price_per_seat", "is_active", "updated_at"}),
	}).Create(&plans).Error
}

// SaveMapping creates or updates a plan-event mapping
func (r *PlanRepo) SaveMapping(ctx context.Context, mapping *models.PlanEventMapping) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "plan_id"}, {Name: "action"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled", "notify_emails", "updated_at"}),
	}).Create(mapping).Error
}
