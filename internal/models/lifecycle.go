package models

import (
	"time"
)

// Action is a requested lifecycle transition
type Action string

const (
	ActionActivate       Action = "activate"
	ActionChangePlan     Action = "change-plan"
	ActionChangeQuantity Action = "change-quantity"
	ActionSuspend        Action = "suspend"
	ActionReinstate      Action = "reinstate"
	ActionCancel         Action = "cancel"
	ActionRenew          Action = "renew"
)

// AllActions lists every action the reconciler understands
var AllActions = []Action{
	ActionActivate,
	ActionChangePlan,
	ActionChangeQuantity,
	ActionSuspend,
	ActionReinstate,
	ActionCancel,
	ActionRenew,
}

// AllStates lists every lifecycle state
var AllStates = []State{
	StatePendingActivation,
	StateActive,
	StateSuspended,
	StateCancelled,
}

// Source identifies where a lifecycle event came from
type Source string

const (
	SourceWebhook  Source = "webhook"
	SourceCustomer Source = "customer"
	SourceOperator Source = "operator"
)

// Remote operation statuses carried by webhooks
const (
	OperationInProgress = "InProgress"
	OperationSuccess    = "Success"
	OperationFailure    = "Failure"
)

// LifecycleEvent is a normalized instruction to transition a subscription
type LifecycleEvent struct {
	ExternalID     string
	Action         Action
	IdempotencyKey string
	OccurredAt     time.Time
	PlanID         string
	Quantity       int
	Source         Source

	// OperationID and OperationStatus are set for webhook operations that the
	// marketplace expects us to acknowledge.
	OperationID     string
	OperationStatus string

	CorrelationID string
}

// AwaitsAcknowledgement reports whether the remote operation is still waiting
// for our success/failure answer.
func (e LifecycleEvent) AwaitsAcknowledgement() bool {
	return e.Source == SourceWebhook && e.OperationID != "" && e.OperationStatus == OperationInProgress
}

// Transition is the notification intent emitted after a committed change
type Transition struct {
	SubscriptionID uint
	ExternalID     string
	OfferID        string
	PlanID         string
	Quantity       int
	Action         Action
	OldState       State
	NewState       State
	Outcome        Outcome
	PurchaserEmail string
	OccurredAt     time.Time
	CorrelationID  string
}
