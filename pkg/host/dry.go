package host

import (
	"context"
	"sync"
	"time"

	"github.com/McTwist/vmctrl/pkg/errors"
	"github.com/McTwist/vmctrl/pkg/logging"
	"github.com/McTwist/vmctrl/pkg/units"
)

// DryUnit seeds the dry-run adapter.
type DryUnit struct {
	Unit    units.Unit
	Running bool
}

// DryAdapter pretends to drive units: it logs each call, waits Delay, and
// flips the in-memory running flag.
type DryAdapter struct {
	delay  time.Duration
	logger logging.Logger

	list    []units.Unit
	running map[string]bool
	calls   int
	mutex   sync.Mutex
}

// NewDryAdapter creates a dry-run adapter over a fixed inventory.
func NewDryAdapter(inventory []DryUnit, delay time.Duration, logger logging.Logger) *DryAdapter {
	a := &DryAdapter{
		delay:   delay,
		logger:  logger,
		running: make(map[string]bool, len(inventory)),
	}
	for _, entry := range inventory {
		a.list = append(a.list, entry.Unit)
		a.running[entry.Unit.ID] = entry.Running
	}
	return a
}

func (a *DryAdapter) ListUnits(ctx context.Context) ([]units.Unit, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return append([]units.Unit(nil), a.list...), nil
}

func (a *DryAdapter) IsRunning(ctx context.Context, unitID string) (bool, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	running, ok := a.running[unitID]
	if !ok {
		return false, errors.NewUnknownUnitError(unitID)
	}
	return running, nil
}

func (a *DryAdapter) Start(ctx context.Context, unitID string) error {
	return a.Apply(ctx, unitID, OperationStart)
}

func (a *DryAdapter) Stop(ctx context.Context, unitID string) error {
	return a.Apply(ctx, unitID, OperationStop)
}

// Apply simulates op. Only the resulting running state is kept.
func (a *DryAdapter) Apply(ctx context.Context, unitID string, op Operation) error {
	if !op.Valid() {
		return errors.NewValidationError("unsupported operation: "+string(op), nil).
			WithContext("operation", string(op))
	}
	return a.transition(ctx, unitID, op)
}

// Calls returns how many start/stop calls reached the adapter.
func (a *DryAdapter) Calls() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.calls
}

func (a *DryAdapter) transition(ctx context.Context, unitID string, op Operation) error {
	a.mutex.Lock()
	_, ok := a.running[unitID]
	a.calls++
	a.mutex.Unlock()

	if !ok {
		return errors.NewUnknownUnitError(unitID)
	}

	verb := string(op)
	a.logger.Infof("DRY: %s %s", verb, unitID)

	if a.delay > 0 {
		timer := time.NewTimer(a.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return errors.NewCancelledError("dry "+verb+" interrupted", ctx.Err()).WithContext("unit_id", unitID)
		}
	}

	a.mutex.Lock()
	a.running[unitID] = op.Running()
	a.mutex.Unlock()
	return nil
}

// NewDryAdapterFrom copies the inventory and live running state of source.
// Listing is real, start and stop are only simulated.
func NewDryAdapterFrom(ctx context.Context, source Adapter, delay time.Duration, logger logging.Logger) (*DryAdapter, error) {
	list, err := source.ListUnits(ctx)
	if err != nil {
		return nil, err
	}

	inventory := make([]DryUnit, 0, len(list))
	for _, unit := range list {
		running, err := source.IsRunning(ctx, unit.ID)
		if err != nil {
			logger.Warnf("Unable to query %s, assuming stopped: %v", unit.ID, err)
		}
		inventory = append(inventory, DryUnit{Unit: unit, Running: running})
	}

	logger.Infof("Dry-run inventory copied, units: %d", len(inventory))
	return NewDryAdapter(inventory, delay, logger), nil
}
