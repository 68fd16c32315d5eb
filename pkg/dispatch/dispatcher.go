package dispatch

import (
	"context"
	stderrors "errors"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/McTwist/vmctrl/pkg/errors"
	"github.com/McTwist/vmctrl/pkg/executor"
	"github.com/McTwist/vmctrl/pkg/logging"
	"github.com/McTwist/vmctrl/pkg/queue"
	"github.com/McTwist/vmctrl/pkg/tracker"
	"github.com/McTwist/vmctrl/pkg/units"
)

// Kicker starts execution for a unit after an intent was submitted.
type Kicker interface {
	Kick(ctx context.Context, unitID string) error
}

// Dispatcher turns command lines into intents and answers listings from the
// tracker.
type Dispatcher struct {
	directory *units.Directory
	queue     *queue.Queue
	tracker   *tracker.Tracker
	kicker    Kicker
	checker   tracker.RunningChecker
	logger    logging.Logger

	newRequestID func() string

	snapshots map[string][]string
	mutex     sync.Mutex
}

func NewDispatcher(directory *units.Directory, q *queue.Queue, t *tracker.Tracker, kicker Kicker, checker tracker.RunningChecker, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		directory:    directory,
		queue:        q,
		tracker:      t,
		kicker:       kicker,
		checker:      checker,
		logger:       logger,
		newRequestID: uuid.NewString,
		snapshots:    make(map[string][]string),
	}
}

// fanOutResult counts what a power fan-out did. Failures holds the kick
// errors, one per unit that could not be handed to the executor.
type fanOutResult struct {
	queued     int
	superseded int
	unknown    int
	failures   *errors.ErrorCollection
}

// Handle executes one command line, writing acknowledgments and a summary
// line to w. Errors are reported on w; the returned error is only for logging.
func (d *Dispatcher) Handle(ctx context.Context, line string, w io.Writer) error {
	command, err := Parse(line)
	if err != nil {
		writeLine(w, "error: %v", err)
		return err
	}

	requestID := d.newRequestID()
	logger := logging.WithPrefix(d.logger, "request: "+requestID+" , ")
	logger.Debugf("Handling command: '%s'", strings.TrimSpace(line))

	switch verb := command.Verb; {
	case verb.Starts():
		targets, unknown := d.startTargets(command.Units)
		result := d.fanOut(ctx, requestID, queue.Action(verb), targets, unknown, w)
		return d.summarize(logger, w, verb, result)

	case verb.Stops():
		targets, unknown := d.stopTargets(command.Units)
		result := d.fanOut(ctx, requestID, queue.Action(verb), targets, unknown, w)
		return d.summarize(logger, w, verb, result)

	case verb == VerbList:
		d.list(command.Filter, w)

	case verb == VerbSave:
		err = d.save(command.Name, command.Units, w)

	case verb == VerbLoad:
		var result fanOutResult
		result, err = d.load(ctx, requestID, command.Name, w)
		if err == nil {
			return d.summarize(logger, w, verb, result)
		}

	case verb == VerbRefresh:
		err = d.refresh(ctx, w)

	case verb == VerbHelp:
		writeLine(w, "%s", helpText)
	}

	if err != nil {
		logger.Warnf("Command %s failed: %v", command.Verb, err)
		writeLine(w, "error %s: %v", command.Verb, err)
	}
	return err
}

func (d *Dispatcher) startTargets(refs []string) ([]units.Unit, []error) {
	if len(refs) == 0 {
		return units.SortForStart(d.directory.Onboot()), nil
	}
	found, unknown := d.directory.Resolve(refs)
	return units.SortForStart(found), unknown
}

func (d *Dispatcher) stopTargets(refs []string) ([]units.Unit, []error) {
	if len(refs) == 0 {
		return units.SortForStop(d.directory.All()), nil
	}
	found, unknown := d.directory.Resolve(refs)
	return units.SortForStop(found), unknown
}

// fanOut submits one intent per target, in target order, and kicks its lane.
// No atomicity across the batch.
func (d *Dispatcher) fanOut(ctx context.Context, requestID string, action queue.Action, targets []units.Unit, unknown []error, w io.Writer) fanOutResult {
	result := fanOutResult{failures: errors.NewErrorCollection()}

	for _, err := range unknown {
		result.unknown++
		writeLine(w, "%s", executor.Notice{
			RequestID: requestID,
			UnitID:    unknownRef(err),
			Kind:      executor.NoticeUnknown,
			Action:    action,
		})
	}

	for _, unit := range targets {
		submitted := d.queue.Submit(queue.Intent{
			UnitID:    unit.ID,
			Action:    action,
			RequestID: requestID,
		})

		if submitted.Superseded != nil {
			result.superseded++
			writeLine(w, "%s", executor.NoticeFor(*submitted.Superseded, executor.NoticeSuperseded, nil))
		}
		result.queued++
		writeLine(w, "%s", executor.NoticeFor(submitted.Intent, executor.NoticeQueued, nil))

		if err := d.kicker.Kick(ctx, unit.ID); err != nil {
			result.failures.Add(err)
			d.logger.Errorf("Failed to kick lane, unit: %s, error: %v", unit.ID, err)
			writeLine(w, "%s", executor.NoticeFor(submitted.Intent, executor.NoticeFailed, err))
		}
	}

	return result
}

// summarize writes the fan-out summary line and returns the collected kick
// failures. The per-unit failed lines were already written by fanOut.
func (d *Dispatcher) summarize(logger logging.Logger, w io.Writer, verb Verb, result fanOutResult) error {
	summary := "ok"
	if result.failures.HasErrors() {
		summary = "error"
	}
	writeLine(w, "%s %s: %d queued, %d superseded, %d unknown", summary, verb, result.queued, result.superseded, result.unknown)

	err := result.failures.ToError()
	if err != nil {
		logger.Warnf("Command %s failed for %d units: %v", verb, len(result.failures.Errors), err)
	}
	return err
}

func (d *Dispatcher) list(filter ListFilter, w io.Writer) {
	var listed []units.Unit

	switch filter {
	case ListRunning:
		for _, id := range d.tracker.Running() {
			if unit, ok := d.directory.Get(id); ok {
				listed = append(listed, unit)
			}
		}
	case ListOnboot:
		listed = d.directory.Onboot()
	default:
		listed = d.directory.All()
	}

	for _, unit := range listed {
		if filter != ListAll {
			writeLine(w, "%s, %s", unit.ID, unit.Name)
			continue
		}
		state, _ := d.tracker.Get(unit.ID)
		writeLine(w, "%s, %s, %s, onboot=%t, running=%t, phase=%s",
			unit.ID, unit.Name, unit.Kind, unit.Onboot, state.Running, state.Phase)
	}

	name := "list"
	if filter != ListAll {
		name += " " + string(filter)
	}
	writeLine(w, "ok %s: %d units", name, len(listed))
}

// save records the units tracked as running, restricted to refs when given.
func (d *Dispatcher) save(name string, refs []string, w io.Writer) error {
	running := d.tracker.Running()

	var restrict map[string]bool
	if len(refs) > 0 {
		found, unknown := d.directory.Resolve(refs)
		for _, err := range unknown {
			writeLine(w, "%s", executor.Notice{UnitID: unknownRef(err), Kind: executor.NoticeUnknown})
		}
		restrict = make(map[string]bool, len(found))
		for _, unit := range found {
			restrict[unit.ID] = true
		}
	}

	var saved []string
	for _, id := range running {
		if restrict == nil || restrict[id] {
			saved = append(saved, id)
		}
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, exists := d.snapshots[name]; exists {
		return errors.NewConflictError("snapshot already exists", nil).WithContext("snapshot", name)
	}
	d.snapshots[name] = saved

	d.logger.Infof("Saved snapshot %s, units: %v", name, saved)
	writeLine(w, "ok save %s: %d units", name, len(saved))
	return nil
}

// load starts the units saved under name and forgets the snapshot.
func (d *Dispatcher) load(ctx context.Context, requestID, name string, w io.Writer) (fanOutResult, error) {
	d.mutex.Lock()
	saved, exists := d.snapshots[name]
	delete(d.snapshots, name)
	d.mutex.Unlock()

	if !exists {
		return fanOutResult{}, errors.NewNotFoundError("snapshot does not exist", nil).WithContext("snapshot", name)
	}

	d.logger.Infof("Loading snapshot %s, units: %v", name, saved)
	found, unknown := d.directory.Resolve(saved)
	return d.fanOut(ctx, requestID, queue.ActionStart, units.SortForStart(found), unknown, w), nil
}

// Snapshots returns the saved snapshot names, sorted.
func (d *Dispatcher) Snapshots() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	names := make([]string, 0, len(d.snapshots))
	for name := range d.snapshots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) refresh(ctx context.Context, w io.Writer) error {
	if d.checker == nil {
		return errors.NewInternalError("no running checker configured", nil)
	}
	if err := d.tracker.Reconcile(ctx, d.checker); err != nil {
		return err
	}
	writeLine(w, "ok refresh: %d running", len(d.tracker.Running()))
	return nil
}

func unknownRef(err error) string {
	var domainErr *errors.DomainError
	if stderrors.As(err, &domainErr) {
		if ref, ok := domainErr.Context["unit"].(string); ok {
			return ref
		}
	}
	return err.Error()
}
