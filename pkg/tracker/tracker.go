package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/McTwist/vmctrl/pkg/errors"
	"github.com/McTwist/vmctrl/pkg/logging"
)

// Phase is the transition a unit is currently undergoing.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseStopping Phase = "stopping"
)

// State is the runtime state of one unit.
type State struct {
	Phase     Phase
	Running   bool
	LastError error
	UpdatedAt time.Time

	// generation changes on every write, reconcile uses it to detect a
	// transition that happened while its query was out
	generation uint64
}

// Settled reports whether no transition is in progress.
func (s State) Settled() bool {
	return s.Phase == PhaseIdle
}

func (s *State) touch(now time.Time) {
	s.UpdatedAt = now
	s.generation++
}

// RunningChecker is the slice of the host adapter the tracker needs to reconcile.
type RunningChecker interface {
	IsRunning(ctx context.Context, unitID string) (bool, error)
}

// Tracker holds per-unit phase and running state. Only the executor mutates
// phases; list queries read from here instead of polling the host.
type Tracker struct {
	order  []string
	states map[string]*State
	logger logging.Logger
	now    func() time.Time
	mutex  sync.RWMutex
}

func NewTracker(logger logging.Logger) *Tracker {
	return &Tracker{
		states: make(map[string]*State),
		logger: logger,
		now:    time.Now,
	}
}

// Seed registers a unit with its initial running state. Registration order is
// the order Running returns.
func (t *Tracker) Seed(unitID string, running bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, exists := t.states[unitID]; !exists {
		t.order = append(t.order, unitID)
	}
	generation := uint64(1)
	if previous, exists := t.states[unitID]; exists {
		generation = previous.generation + 1
	}
	t.states[unitID] = &State{
		Phase:      PhaseIdle,
		Running:    running,
		UpdatedAt:  t.now(),
		generation: generation,
	}
}

// Get returns a copy of the unit's state.
func (t *Tracker) Get(unitID string) (State, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	state, ok := t.states[unitID]
	if !ok {
		return State{}, false
	}
	return *state, true
}

// Begin marks the unit as transitioning toward running (start) or not (stop).
func (t *Tracker) Begin(unitID string, start bool) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	state, err := t.getLocked(unitID)
	if err != nil {
		return err
	}
	if !state.Settled() {
		return errors.NewConflictError("unit is already transitioning", nil).
			WithContext("unit_id", unitID).WithContext("phase", string(state.Phase))
	}

	if start {
		state.Phase = PhaseStarting
	} else {
		state.Phase = PhaseStopping
	}
	state.touch(t.now())
	t.logger.Debugf("State transition: idle -> %s, unit: %s", state.Phase, unitID)
	return nil
}

// Succeed settles the unit with the confirmed running state.
func (t *Tracker) Succeed(unitID string, running bool) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	state, err := t.getLocked(unitID)
	if err != nil {
		return err
	}

	t.logger.Debugf("State transition: %s -> idle, unit: %s, running: %t", state.Phase, unitID, running)
	state.Phase = PhaseIdle
	state.Running = running
	state.LastError = nil
	state.touch(t.now())
	return nil
}

// Fail settles the unit without touching Running, which stays at the last
// confirmed value.
func (t *Tracker) Fail(unitID string, cause error) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	state, err := t.getLocked(unitID)
	if err != nil {
		return err
	}

	t.logger.Debugf("State transition: %s -> idle (failed), unit: %s, running: %t", state.Phase, unitID, state.Running)
	state.Phase = PhaseIdle
	state.LastError = cause
	state.touch(t.now())
	return nil
}

// Running returns the IDs of units tracked as running, in seed order.
func (t *Tracker) Running() []string {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	var out []string
	for _, id := range t.order {
		if t.states[id].Running {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot copies every unit's state.
func (t *Tracker) Snapshot() map[string]State {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	out := make(map[string]State, len(t.states))
	for id, state := range t.states {
		out[id] = *state
	}
	return out
}

// Reconcile refreshes Running from the host for settled units. Units that are
// transitioning are skipped; their lane will settle them. A result is only
// applied if the unit was not written to while its query was out. Checker
// failures are collected and the unit keeps its tracked value.
func (t *Tracker) Reconcile(ctx context.Context, checker RunningChecker) error {
	t.mutex.RLock()
	ids := append([]string(nil), t.order...)
	t.mutex.RUnlock()

	errorCollection := errors.NewErrorCollection()
	changed := 0

	for _, id := range ids {
		if ctx.Err() != nil {
			return errors.NewCancelledError("reconcile cancelled", ctx.Err())
		}

		before, ok := t.Get(id)
		if !ok || !before.Settled() {
			continue
		}

		// Query outside of lock, host calls can be slow
		running, err := checker.IsRunning(ctx, id)
		if err != nil {
			errorCollection.Add(errors.NewAdapterError("failed to query unit status", err).WithContext("unit_id", id))
			continue
		}

		t.mutex.Lock()
		state := t.states[id]
		switch {
		case state.generation != before.generation:
			t.logger.Debugf("Unit %s changed during reconcile, keeping running: %t", id, state.Running)
		case state.Running != running:
			t.logger.Infof("Reconciled unit %s, running: %t -> %t", id, state.Running, running)
			state.Running = running
			state.touch(t.now())
			changed++
		}
		t.mutex.Unlock()
	}

	t.logger.Debugf("Reconcile done, units: %d, changed: %d", len(ids), changed)
	return errorCollection.ToError()
}

func (t *Tracker) getLocked(unitID string) (*State, error) {
	state, ok := t.states[unitID]
	if !ok {
		return nil, errors.NewNotFoundError("unit not tracked", nil).WithContext("unit_id", unitID)
	}
	return state, nil
}
