package queue

import (
	"fmt"

	"github.com/McTwist/vmctrl/pkg/errors"
)

// Action is what a unit should be driven to. Start and resume lead to a
// running unit, every other action to a unit that is not running.
type Action string

const (
	ActionStart     Action = "start"
	ActionResume    Action = "resume"
	ActionStop      Action = "stop"
	ActionShutdown  Action = "shutdown"
	ActionSuspend   Action = "suspend"
	ActionHibernate Action = "hibernate"
)

// ParseAction maps a command verb onto an Action.
func ParseAction(verb string) (Action, error) {
	switch Action(verb) {
	case ActionStart, ActionResume, ActionStop, ActionShutdown, ActionSuspend, ActionHibernate:
		return Action(verb), nil
	default:
		return "", errors.NewValidationError(fmt.Sprintf("unsupported action: %s", verb), nil).
			WithContext("supported_actions", "start, resume, stop, shutdown, suspend, hibernate")
	}
}

// WantsRunning reports the running state the action leads to.
func (a Action) WantsRunning() bool {
	return a == ActionStart || a == ActionResume
}

// Intent is a request to drive one unit to a target. Never mutated once
// submitted; superseding replaces the slot's reference.
type Intent struct {
	UnitID    string
	Action    Action
	Sequence  uint64
	RequestID string
}

func (i Intent) String() string {
	return fmt.Sprintf("%s %s #%d", i.Action, i.UnitID, i.Sequence)
}
