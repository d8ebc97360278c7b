package fsm

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// WrapEvent adapts an error returning callback to fsm.Callback, storing the
// error on the event.
func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Err = err
		}
	}
}

// Guard adapts a before_ callback: a non-nil error cancels the transition
// and is returned from FSM.Event wrapped in fsm.CanceledError.
func Guard(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Cancel(err)
		}
	}
}

// IgnoreNoTransition drops the error looplab/fsm returns when an event leaves
// the machine in the state it was already in, keeping any callback error.
func IgnoreNoTransition(err error) error {
	var nte fsm.NoTransitionError
	if errors.As(err, &nte) {
		return nte.Err
	}
	return err
}
