package session

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/autopeer-io/mqttconsole/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/mqttconsole/internal/pkg/util/fsm"
	"github.com/autopeer-io/mqttconsole/pkg/log"
	"github.com/autopeer-io/mqttconsole/pkg/mqtt"
)

// State is the connection state owned by the Manager.
type State string

const (
	StateDisconnected State = "Disconnected"
	StateConnecting   State = "Connecting"
	StateConnected    State = "Connected"
	StateFailed       State = "Failed"
)

var allStates = []string{
	string(StateDisconnected),
	string(StateConnecting),
	string(StateConnected),
	string(StateFailed),
}

const (
	// EventOpen starts a connect attempt from any state. It carries the
	// mqtt.ConnectionConfig as its only argument.
	EventOpen = "open"
	// EventEstablish completes a pending attempt.
	EventEstablish = "establish"
	// EventFail ends a pending attempt unsuccessfully.
	EventFail = "fail"
	// EventLose reports that an established connection dropped.
	EventLose = "lose"
	// EventClose is an operator disconnect.
	EventClose = "close"
)

type connFSM struct {
	*fsm.FSM
	log log.Logger
}

func newConnFSM(l log.Logger) *connFSM {
	f := &connFSM{log: l}

	events := fsm.Events{
		{Name: EventOpen, Src: allStates, Dst: string(StateConnecting)},
		{Name: EventEstablish, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
		{Name: EventFail, Src: []string{string(StateConnecting)}, Dst: string(StateFailed)},
		{Name: EventLose, Src: []string{string(StateConnected)}, Dst: string(StateDisconnected)},
		{Name: EventClose, Src: []string{string(StateConnected), string(StateConnecting)}, Dst: string(StateDisconnected)},
	}

	callbacks := fsm.Callbacks{
		"before_" + EventOpen: fsmutil.Guard(f.GuardConfig),
		"enter_state":         fsmutil.WrapEvent(f.ActionEnterState),
	}

	f.FSM = fsm.NewFSM(string(StateDisconnected), events, callbacks)
	metrics.SetState(string(StateDisconnected), allStates)
	return f
}

// GuardConfig refuses to start an attempt with an invalid config.
func (f *connFSM) GuardConfig(_ context.Context, e *fsm.Event) error {
	if len(e.Args) == 0 {
		return ErrInvalidConfig
	}
	cfg, ok := e.Args[0].(mqtt.ConnectionConfig)
	if !ok {
		return ErrInvalidConfig
	}
	return cfg.Validate()
}

// ActionEnterState records every transition.
func (f *connFSM) ActionEnterState(_ context.Context, e *fsm.Event) error {
	f.log.Debug("Connection state changed", "event", e.Event, "from", e.Src, "to", e.Dst)
	metrics.SetState(e.Dst, allStates)
	return nil
}

func (f *connFSM) State() State {
	return State(f.Current())
}
