package services

import (
	"fmt"

	"saas-fulfillment/internal/models"
)

type transitionKey struct {
	from   models.State
	action models.Action
}

// transitions is the complete lifecycle table. Cancelled and renew are
// handled in NextState.
var transitions = map[transitionKey]models.State{
	{models.StatePendingActivation, models.ActionActivate}: models.StateActive,
	{models.StateActive, models.ActionChangePlan}:          models.StateActive,
	{models.StateActive, models.ActionChangeQuantity}:      models.StateActive,
	{models.StateActive, models.ActionSuspend}:             models.StateSuspended,
	{models.StateSuspended, models.ActionReinstate}:        models.StateActive,
	{models.StateActive, models.ActionCancel}:              models.StateCancelled,
	{models.StateSuspended, models.ActionCancel}:           models.StateCancelled,
}

// NextState returns the state reached by applying action in from.
// noop is true when the subscription is Cancelled: every event is accepted
// and changes nothing.
func NextState(from models.State, action models.Action) (next models.State, noop bool, err error) {
	if from == models.StateCancelled {
		return models.StateCancelled, true, nil
	}
	if action == models.ActionRenew && from.Valid() {
		return from, false, nil
	}
	if next, ok := transitions[transitionKey{from, action}]; ok {
		return next, false, nil
	}
	return "", false, fmt.Errorf("%s on %s subscription: %w", action, from, models.ErrInvalidTransition)
}
