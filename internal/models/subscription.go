package models

import (
	"time"
)

// State is the local lifecycle state of a subscription
type State string

const (
	StatePendingActivation State = "PendingActivation"
	StateActive            State = "Active"
	StateSuspended         State = "Suspended"
	StateCancelled         State = "Cancelled"
)

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StatePendingActivation, StateActive, StateSuspended, StateCancelled:
		return true
	}
	return false
}

// StateFromRemote maps the marketplace saasSubscriptionStatus to a local state
func StateFromRemote(status string) (State, bool) {
	switch status {
	case "PendingFulfillmentStart":
		return StatePendingActivation, true
	case "Subscribed":
		return StateActive, true
	case "Suspended":
		return StateSuspended, true
	case "Unsubscribed":
		return StateCancelled, true
	}
	return "", false
}

// Subscription is one customer's purchase of an offer/plan.
// State only changes through the reconciler; ExternalID never changes.
type Subscription struct {
	BaseModel

	ExternalID string `json:"external_id" gorm:"size:100;not null;uniqueIndex"`
	Name       string `json:"name" gorm:"size:255"`
	OfferID    string `json:"offer_id" gorm:"size:100;index"`
	PlanID     string `json:"plan_id" gorm:"size:100"`
	Quantity   int    `json:"quantity"`
	State      State  `json:"state" gorm:"size:30;not null;index"`

	PurchaserEmail    string `json:"purchaser_email" gorm:"size:255"`
	PurchaserTenantID string `json:"purchaser_tenant_id" gorm:"size:100"`
	BeneficiaryEmail  string `json:"beneficiary_email" gorm:"size:255"`

	LastConfirmedAt *time.Time `json:"last_confirmed_at"`
	Version         int64      `json:"version" gorm:"not null;default:1"`
}

// TableName pins the table name independent of the naming strategy
func (Subscription) TableName() string {
	return "subscription"
}

// SubscriptionSnapshot is the authoritative remote view of a subscription
type SubscriptionSnapshot struct {
	ExternalID        string
	Name              string
	OfferID           string
	PlanID            string
	Quantity          int
	State             State
	PurchaserEmail    string
	PurchaserTenantID string
	BeneficiaryEmail  string
}

// NewSubscriptionFromSnapshot builds a local record from the remote view
func NewSubscriptionFromSnapshot(snap *SubscriptionSnapshot, now time.Time) *Subscription {
	state := snap.State
	if !state.Valid() {
		state = StatePendingActivation
	}
	confirmed := now
	return &Subscription{
		ExternalID:        snap.ExternalID,
		Name:              snap.Name,
		OfferID:           snap.OfferID,
		PlanID:            snap.PlanID,
		Quantity:          snap.Quantity,
		State:             state,
		PurchaserEmail:    snap.PurchaserEmail,
		PurchaserTenantID: snap.PurchaserTenantID,
		BeneficiaryEmail:  snap.BeneficiaryEmail,
		LastConfirmedAt:   &confirmed,
		Version:           1,
	}
}
