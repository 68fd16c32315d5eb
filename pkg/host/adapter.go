package host

import (
	"context"

	"github.com/McTwist/vmctrl/pkg/units"
)

// Adapter performs side effects against the managed platform. Every call may
// block for an arbitrary time and must honor ctx.
type Adapter interface {
	Start(ctx context.Context, unitID string) error
	// Stop uses the configured stop mode
	Stop(ctx context.Context, unitID string) error
	Apply(ctx context.Context, unitID string, op Operation) error
	IsRunning(ctx context.Context, unitID string) (bool, error)
	ListUnits(ctx context.Context) ([]units.Unit, error)
}

// Operation is a power operation on a unit.
type Operation string

const (
	OperationStart  Operation = "start"
	OperationResume Operation = "resume"
	// OperationStop stops the unit the way the stop mode says
	OperationStop      Operation = "stop"
	OperationShutdown  Operation = "shutdown"
	OperationSuspend   Operation = "suspend"
	OperationHibernate Operation = "hibernate"
)

// Running reports whether the unit runs once op succeeded. Suspended and
// hibernated units count as not running.
func (op Operation) Running() bool {
	return op == OperationStart || op == OperationResume
}

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationStart, OperationResume, OperationStop, OperationShutdown, OperationSuspend, OperationHibernate:
		return true
	}
	return false
}

// StopMode selects how the Proxmox adapter stops a unit.
type StopMode string

const (
	// StopModeShutdown asks the guest to power off.
	StopModeShutdown StopMode = "shutdown"
	// StopModeStop pulls the plug.
	StopModeStop StopMode = "stop"
)
