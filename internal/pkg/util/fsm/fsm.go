package fsm

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// WrapEvent adapts an error-returning callback to fsm.Callback. The error is
// recorded on the event and returned from FSM.Event after the transition.
func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Err = err
		}
	}
}

// GuardEvent adapts an error-returning callback for use as a before_<event>
// or leave_<state> hook. A non-nil error cancels the transition.
func GuardEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Cancel(err)
		}
	}
}

// IsNoop reports whether err only says the event did not change state.
func IsNoop(err error) bool {
	var noTransition fsm.NoTransitionError
	return errors.As(err, &noTransition)
}

// Cause unwraps the error a guard cancelled a transition with.
func Cause(err error) error {
	var canceled fsm.CanceledError
	if errors.As(err, &canceled) && canceled.Err != nil {
		return canceled.Err
	}
	return err
}
