package subscription

import (
	"errors"
	"fmt"

	"github.com/wagginmeals/storefront/app/models"
)

type State string

const (
	StateActive    State = models.SubscriptionStatusActive
	StatePaused    State = models.SubscriptionStatusPaused
	StatePastDue   State = models.SubscriptionStatusPastDue
	StateCancelled State = models.SubscriptionStatusCancelled
	StateExpired   State = models.SubscriptionStatusExpired
)

type Event string

const (
	EventPause              Event = "pause"
	EventResume             Event = "resume"
	EventPaymentSucceeded   Event = "payment_succeeded"
	EventPaymentFailed      Event = "payment_failed"
	EventPaymentFailedFinal Event = "payment_failed_final"
	EventCancel             Event = "cancel"
	EventExpire             Event = "expire"
	EventSkipDelivery       Event = "skip_delivery"
	EventChangeFrequency    Event = "change_frequency"
	EventChangeAddress      Event = "change_address"
	EventChangeItems        Event = "change_items"
	EventUpdatePayment      Event = "update_payment"
)

var ErrInvalidTransition = errors.New("invalid subscription transition")

// InvalidTransitionError names the rejected state and event.
type InvalidTransitionError struct {
	From  State
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s a subscription that is %s", e.Event, e.From)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// transitions lists every legal move. Anything absent is rejected, which
// makes cancelled and expired terminal.
var transitions = map[State]map[Event]State{
	StateActive: {
		EventPause:              StatePaused,
		EventPaymentSucceeded:   StateActive,
		EventPaymentFailed:      StateActive,
		EventPaymentFailedFinal: StatePastDue,
		EventCancel:             StateCancelled,
		EventExpire:             StateExpired,
		EventSkipDelivery:       StateActive,
		EventChangeFrequency:    StateActive,
		EventChangeAddress:      StateActive,
		EventChangeItems:        StateActive,
		EventUpdatePayment:      StateActive,
	},
	StatePaused: {
		EventResume:          StateActive,
		EventCancel:          StateCancelled,
		EventExpire:          StateExpired,
		EventChangeFrequency: StatePaused,
		EventChangeAddress:   StatePaused,
		EventChangeItems:     StatePaused,
		EventUpdatePayment:   StatePaused,
	},
	StatePastDue: {
		EventPaymentSucceeded:   StateActive,
		EventPaymentFailed:      StatePastDue,
		EventPaymentFailedFinal: StatePastDue,
		EventCancel:             StateCancelled,
		EventChangeAddress:      StatePastDue,
		// A new card reactivates; the open cycle is retried on the next sweep.
		EventUpdatePayment: StateActive,
	},
	StateCancelled: {},
	StateExpired:   {},
}

// Transition returns the state reached by applying ev in from.
func Transition(from State, ev Event) (State, error) {
	next, ok := transitions[from][ev]
	if !ok {
		return from, &InvalidTransitionError{From: from, Event: ev}
	}
	return next, nil
}

// IsTerminal reports whether s accepts no further events.
func (s State) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsBillable reports whether the billing runner may charge a subscription in s.
func (s State) IsBillable() bool {
	return s == StateActive || s == StatePastDue
}
