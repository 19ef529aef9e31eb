package models

import (
	"time"
)

// BaseModel provides common fields for all database models.
// Rows are never soft deleted: cancelled subscriptions and audit entries stay.
type BaseModel struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// Offer is a marketplace offer published by us
type Offer struct {
	BaseModel
	OfferID     string `json:"offer_id" gorm:"size:100;uniqueIndex;not null"`
	DisplayName string `json:"display_name" gorm:"size:255"`
}

// Plan is one purchasable plan of an offer
type Plan struct {
	BaseModel
	OfferID        string `json:"offer_id" gorm:"size:100;not null;uniqueIndex:ux_plan_offer_plan,priority:1"`
	PlanID         string `json:"plan_id" gorm:"size:100;not null;uniqueIndex:ux_plan_offer_plan,priority:2"`
	DisplayName    string `json:"display_name" gorm:"size:255"`
	Description    string `json:"description" gorm:"type:text"`
	IsPricePerSeat bool   `json:"is_price_per_seat"`
	IsActive       bool   `json:"is_active" gorm:"default:true"`
}

// PlanEventMapping says whether an action is allowed for a plan and who gets
// told when it happens. A plan without a mapping row for an action allows it.
type PlanEventMapping struct {
	BaseModel
	PlanID       string `json:"plan_id" gorm:"size:100;not null;uniqueIndex:ux_plan_event,priority:1"`
	Action       Action `json:"action" gorm:"size:30;not null;uniqueIndex:ux_plan_event,priority:2"`
	Enabled      bool   `json:"enabled"`
	NotifyEmails string `json:"notify_emails" gorm:"type:text"` // comma separated
}
