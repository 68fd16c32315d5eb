package dispatch

import (
	"fmt"
	"strings"

	"github.com/McTwist/vmctrl/pkg/errors"
)

type Verb string

const (
	VerbStart     Verb = "start"
	VerbResume    Verb = "resume"
	VerbStop      Verb = "stop"
	VerbShutdown  Verb = "shutdown"
	VerbSuspend   Verb = "suspend"
	VerbHibernate Verb = "hibernate"
	VerbList      Verb = "list"
	VerbSave      Verb = "save"
	VerbLoad      Verb = "load"
	VerbRefresh   Verb = "refresh"
	VerbHelp      Verb = "help"
)

// Starts reports whether the verb belongs to the start family, which targets
// onboot units when no unit is named.
func (v Verb) Starts() bool {
	return v == VerbStart || v == VerbResume
}

// Stops reports whether the verb belongs to the stop family, which targets
// every unit when no unit is named.
func (v Verb) Stops() bool {
	switch v {
	case VerbStop, VerbShutdown, VerbSuspend, VerbHibernate:
		return true
	}
	return false
}

// ListFilter narrows a list command.
type ListFilter string

const (
	ListAll     ListFilter = ""
	ListRunning ListFilter = "running"
	ListOnboot  ListFilter = "onboot"
)

// Command is one parsed input line.
type Command struct {
	Verb Verb
	// Units are the id-or-name arguments of the power verbs and save
	Units  []string
	Filter ListFilter
	// Name is the snapshot name of save and load
	Name string
}

// Parse splits a line into a Command. Verbs are case sensitive.
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, errors.NewParseError("empty command", nil)
	}

	verb, args := Verb(fields[0]), fields[1:]
	switch verb {
	case VerbStart, VerbResume, VerbStop, VerbShutdown, VerbSuspend, VerbHibernate:
		return Command{Verb: verb, Units: args}, nil

	case VerbList:
		if len(args) == 0 {
			return Command{Verb: verb, Filter: ListAll}, nil
		}
		if len(args) > 1 {
			return Command{}, parseError(verb, "takes at most one filter")
		}
		filter := ListFilter(args[0])
		if filter != ListRunning && filter != ListOnboot {
			return Command{}, parseError(verb, fmt.Sprintf("unknown filter: %s", args[0])).
				WithContext("supported_filters", "running, onboot")
		}
		return Command{Verb: verb, Filter: filter}, nil

	case VerbSave:
		if len(args) == 0 {
			return Command{}, parseError(verb, "requires a snapshot name")
		}
		return Command{Verb: verb, Name: args[0], Units: args[1:]}, nil

	case VerbLoad:
		if len(args) != 1 {
			return Command{}, parseError(verb, "requires exactly one snapshot name")
		}
		return Command{Verb: verb, Name: args[0]}, nil

	case VerbRefresh, VerbHelp:
		if len(args) != 0 {
			return Command{}, parseError(verb, "takes no arguments")
		}
		return Command{Verb: verb}, nil

	default:
		return Command{}, errors.NewParseError(fmt.Sprintf("unknown command: %s", fields[0]), nil).
			WithContext("command", fields[0])
	}
}

func parseError(verb Verb, message string) *errors.DomainError {
	return errors.NewParseError(string(verb)+" "+message, nil).WithContext("command", string(verb))
}

const helpText = `start [unit ...]       start the given units, or every onboot unit
resume [unit ...]      resume suspended units, or every onboot unit
stop [unit ...]        stop the given units with the configured stop mode, or every unit
shutdown [unit ...]    shut the given units down gracefully, or every unit
suspend [unit ...]     suspend the given units to memory, or every unit
hibernate [unit ...]   suspend the given units to disk, or every unit
list [running|onboot]  list units
save <name> [unit ...] remember the running units under name
load <name>            start the units saved under name and forget it
refresh                re-read running state from the host
help                   show this text`
