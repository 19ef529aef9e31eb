package services

import (
	"context"

	"saas-fulfillment/internal/models"
)

// SubscriptionStore persists subscriptions. Implemented by database.SubscriptionRepo.
type SubscriptionStore interface {
	GetByExternalID(ctx context.Context, externalID string) (*models.Subscription, error)
	Insert(ctx context.Context, sub *models.Subscription) error
	UpdateWithVersionCheck(ctx context.Context, sub *models.Subscription) error
	ListByState(ctx context.Context, state models.State, limit int) ([]models.Subscription, error)
}

// AuditLog is the append-only audit trail. Implemented by database.AuditRepo.
type AuditLog interface {
	Append(ctx context.Context, entry *models.AuditEntry) error
	FindByKey(ctx context.Context, key string) (*models.AuditEntry, error)
	ListByExternalID(ctx context.Context, externalID string, limit int) ([]models.AuditEntry, error)
}

// PlanCatalog is the read-mostly plan reference data. Implemented by database.PlanRepo.
type PlanCatalog interface {
	GetPlan(ctx context.Context, offerID, planID string) (*models.Plan, error)
	IsActionAllowed(ctx context.Context, planID string, action models.Action) (bool, error)
	NotifyEmails(ctx context.Context, planID string, action models.Action) ([]string, error)
	UpsertOffer(ctx context.Context, offer *models.Offer) error
	UpsertPlans(ctx context.Context, offerID string, plans []models.Plan) error
}

// FulfillmentClient talks to the remote marketplace billing authority
type FulfillmentClient interface {
	ResolvePurchaseToken(ctx context.Context, token string) (*models.SubscriptionSnapshot, error)
	GetSubscription(ctx context.Context, externalID string) (*models.SubscriptionSnapshot, error)
	ListPlans(ctx context.Context, externalID string) ([]models.Plan, error)
	ConfirmActivation(ctx context.Context, externalID, planID string, quantity int) error
	UpdateSubscription(ctx context.Context, externalID, planID string) error
	UpdateQuantity(ctx context.Context, externalID string, quantity int) error
	CancelSubscription(ctx context.Context, externalID string) error
	UpdateOperationStatus(ctx context.Context, externalID, operationID, status string) error
}

// Notifier receives committed transitions. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, t models.Transition) error
}

// TokenValidator verifies the bearer token of an inbound notification
type TokenValidator interface {
	Validate(ctx context.Context, token string) error
}

// InFlightGuard claims a notification id for the duration of one attempt
type InFlightGuard interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string)
}
