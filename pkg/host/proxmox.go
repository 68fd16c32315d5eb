package host

import (
	"context"
	"strings"
	"sync"

	"github.com/McTwist/vmctrl/pkg/errors"
	"github.com/McTwist/vmctrl/pkg/logging"
	"github.com/McTwist/vmctrl/pkg/units"
)

// ProxmoxOptions configures the qm/pct adapter
type ProxmoxOptions struct {
	QmPath   string
	PctPath  string
	StopMode StopMode
}

type proxmoxAdapter struct {
	options ProxmoxOptions
	runner  CommandRunner
	logger  logging.Logger

	// kinds is filled by ListUnits so start/stop know which tool owns an ID
	kinds map[string]units.Kind
	mutex sync.RWMutex
}

// NewProxmoxAdapter creates an adapter that shells out to qm and pct.
func NewProxmoxAdapter(options ProxmoxOptions, runner CommandRunner, logger logging.Logger) Adapter {
	if options.QmPath == "" {
		options.QmPath = "qm"
	}
	if options.PctPath == "" {
		options.PctPath = "pct"
	}
	if options.StopMode == "" {
		options.StopMode = StopModeShutdown
	}

	return &proxmoxAdapter{
		options: options,
		runner:  runner,
		logger:  logger,
		kinds:   make(map[string]units.Kind),
	}
}

// ListUnits lists containers first, then VMs, reading onboot and startup order
// from each unit's config.
func (a *proxmoxAdapter) ListUnits(ctx context.Context) ([]units.Unit, error) {
	pctOut, err := a.runner.Run(ctx, a.options.PctPath, "list")
	if err != nil {
		return nil, errors.NewAdapterError("failed to list containers", err)
	}
	qmOut, err := a.runner.Run(ctx, a.options.QmPath, "list")
	if err != nil {
		return nil, errors.NewAdapterError("failed to list virtual machines", err)
	}

	containers, skipped := parsePctList(pctOut)
	for _, line := range skipped {
		a.logger.Warnf("Unable to parse pct list line: '%s'", line)
	}
	vms, skipped := parseQmList(qmOut)
	for _, line := range skipped {
		a.logger.Warnf("Unable to parse qm list line: '%s'", line)
	}

	list := make([]units.Unit, 0, len(containers)+len(vms))
	kinds := make(map[string]units.Kind, len(containers)+len(vms))

	appendUnits := func(entries []listEntry, kind units.Kind, tool string) error {
		for _, entry := range entries {
			configOut, err := a.runner.Run(ctx, tool, "config", entry.ID)
			if err != nil {
				return errors.NewAdapterError("failed to read unit config", err).WithContext("unit_id", entry.ID)
			}
			config := parseConfig(configOut)

			list = append(list, units.Unit{
				ID:     entry.ID,
				Name:   entry.Name,
				Kind:   kind,
				Onboot:  onbootFromConfig(config),
				Order:   orderFromConfig(config),
				UpDelay: upDelayFromConfig(config),
			})
			kinds[entry.ID] = kind
		}
		return nil
	}

	if err := appendUnits(containers, units.KindContainer, a.options.PctPath); err != nil {
		return nil, err
	}
	if err := appendUnits(vms, units.KindVM, a.options.QmPath); err != nil {
		return nil, err
	}

	a.mutex.Lock()
	a.kinds = kinds
	a.mutex.Unlock()

	a.logger.Infof("Listed units, containers: %d, virtual machines: %d", len(containers), len(vms))
	return list, nil
}

// IsRunning asks the owning tool for the live status. `qm list` reports paused
// guests as running, so status is always queried per unit.
func (a *proxmoxAdapter) IsRunning(ctx context.Context, unitID string) (bool, error) {
	tool, err := a.toolFor(unitID)
	if err != nil {
		return false, err
	}

	out, err := a.runner.Run(ctx, tool, "status", unitID)
	if err != nil {
		return false, errors.NewAdapterError("failed to query unit status", err).WithContext("unit_id", unitID)
	}

	return isRunningStatus(parseStatus(out)), nil
}

func (a *proxmoxAdapter) Start(ctx context.Context, unitID string) error {
	return a.Apply(ctx, unitID, OperationStart)
}

func (a *proxmoxAdapter) Stop(ctx context.Context, unitID string) error {
	return a.Apply(ctx, unitID, OperationStop)
}

// Apply runs op with the tool owning the unit.
func (a *proxmoxAdapter) Apply(ctx context.Context, unitID string, op Operation) error {
	kind, err := a.kindOf(unitID)
	if err != nil {
		return err
	}

	tool := a.options.QmPath
	if kind == units.KindContainer {
		tool = a.options.PctPath
	}
	args, err := a.operationArgs(kind, op)
	if err != nil {
		return err
	}
	args = append(args, unitID)

	a.logger.Infof("Running %s %s", tool, strings.Join(args, " "))

	if _, err := a.runner.Run(ctx, tool, args...); err != nil {
		return errors.NewAdapterError("failed to "+string(op)+" unit", err).
			WithContext("unit_id", unitID).WithContext("operation", string(op))
	}
	return nil
}

// operationArgs maps op onto the tool's subcommand. Containers cannot be
// suspended, so suspend and hibernate shut them down and resume starts them.
func (a *proxmoxAdapter) operationArgs(kind units.Kind, op Operation) ([]string, error) {
	switch op {
	case OperationStart:
		return []string{"start"}, nil
	case OperationStop:
		return []string{string(a.options.StopMode)}, nil
	case OperationShutdown:
		return []string{"shutdown"}, nil
	}

	if kind == units.KindContainer {
		switch op {
		case OperationResume:
			return []string{"start"}, nil
		case OperationSuspend, OperationHibernate:
			return []string{"shutdown"}, nil
		}
	} else {
		switch op {
		case OperationResume:
			return []string{"resume"}, nil
		case OperationSuspend:
			return []string{"suspend"}, nil
		case OperationHibernate:
			return []string{"suspend", "--todisk", "1"}, nil
		}
	}

	return nil, errors.NewValidationError("unsupported operation: "+string(op), nil).
		WithContext("operation", string(op))
}

func (a *proxmoxAdapter) kindOf(unitID string) (units.Kind, error) {
	a.mutex.RLock()
	kind, ok := a.kinds[unitID]
	a.mutex.RUnlock()

	if !ok {
		return "", errors.NewUnknownUnitError(unitID)
	}
	return kind, nil
}

func (a *proxmoxAdapter) toolFor(unitID string) (string, error) {
	kind, err := a.kindOf(unitID)
	if err != nil {
		return "", err
	}
	if kind == units.KindContainer {
		return a.options.PctPath, nil
	}
	return a.options.QmPath, nil
}
