package installation

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"b24app.dev/internal/account"
)

// Lifecycle transitions of a tenant account.
const (
	EventBegin     = "begin"
	EventFinish    = "finish"
	EventUninstall = "uninstall"
	EventBlock     = "block"
)

// stateNone is the state of a member id with no live account.
const stateNone = "none"

// Lifecycle is the per-tenant state machine:
//
//	none -> new -> active
//	new|active -> deleted (remote uninstall)
//	new|active -> blocked (operator)
//
// A repeated begin on a new account is a retried handshake and keeps it new.
type Lifecycle struct {
	machine *fsm.FSM
}

// NewLifecycle starts the machine at the stored status; "" means no account.
func NewLifecycle(current account.Status) *Lifecycle {
	initial := string(current)
	if initial == "" {
		initial = stateNone
	}
	newState, active := string(account.StatusNew), string(account.StatusActive)
	return &Lifecycle{machine: fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: EventBegin, Src: []string{stateNone, newState}, Dst: newState},
			{Name: EventFinish, Src: []string{newState}, Dst: active},
			{Name: EventUninstall, Src: []string{newState, active}, Dst: string(account.StatusDeleted)},
			{Name: EventBlock, Src: []string{newState, active}, Dst: string(account.StatusBlocked)},
		},
		fsm.Callbacks{},
	)}
}

// Can reports whether event is allowed from the current state.
func (l *Lifecycle) Can(event string) bool { return l.machine.Can(event) }

// Current returns the current status ("" while no account exists).
func (l *Lifecycle) Current() account.Status {
	if cur := l.machine.Current(); cur != stateNone {
		return account.Status(cur)
	}
	return ""
}

// Fire applies event and returns the resulting status.
func (l *Lifecycle) Fire(ctx context.Context, event string) (account.Status, error) {
	from := l.machine.Current()
	err := l.machine.Event(ctx, event)
	var same fsm.NoTransitionError
	if err != nil && !errors.As(err, &same) {
		return l.Current(), fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, from)
	}
	return l.Current(), nil
}
