package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/McTwist/vmctrl/pkg/dispatch"
	"github.com/McTwist/vmctrl/pkg/errors"
	"github.com/McTwist/vmctrl/pkg/executor"
	"github.com/McTwist/vmctrl/pkg/host"
	"github.com/McTwist/vmctrl/pkg/logging"
	"github.com/McTwist/vmctrl/pkg/queue"
	"github.com/McTwist/vmctrl/pkg/tracker"
	"github.com/McTwist/vmctrl/pkg/units"
)

type DaemonOptions struct {
	CommandTimeout    time.Duration
	ShutdownTimeout   time.Duration
	ReconcileInterval time.Duration
	Include           []string
	Exclude           []string
	// Output receives acknowledgments and execution notices, stdout if nil
	Output io.Writer
}

// DaemonState represents the current state of the daemon
type DaemonState string

const (
	// DaemonStateNotStarted is the initial state before Start() is called
	DaemonStateNotStarted DaemonState = "not_started"

	// DaemonStateRunning means the daemon accepts commands
	DaemonStateRunning DaemonState = "running"

	// DaemonStateStopping means the daemon is shutting down
	DaemonStateStopping DaemonState = "stopping"

	// DaemonStateStopped means the daemon has stopped
	DaemonStateStopped DaemonState = "stopped"
)

// Daemon owns the unit directory, the tracker, the intent queue, the executor
// and the dispatcher for one process lifetime.
type Daemon struct {
	options DaemonOptions
	adapter host.Adapter
	logger  logging.Logger
	output  *dispatch.SyncWriter

	directory  *units.Directory
	tracker    *tracker.Tracker
	queue      *queue.Queue
	executor   *executor.Executor
	dispatcher *dispatch.Dispatcher

	daemonState     DaemonState
	reconcileCancel context.CancelFunc
	reconcileWg     sync.WaitGroup
	mutex           sync.Mutex
}

func NewDaemon(options DaemonOptions, adapter host.Adapter, logger logging.Logger) (*Daemon, error) {
	if adapter == nil {
		return nil, errors.NewValidationError("host adapter cannot be nil", nil)
	}
	if options.Output == nil {
		options.Output = os.Stdout
	}

	return &Daemon{
		options:     options,
		adapter:     adapter,
		logger:      logger,
		output:      dispatch.NewSyncWriter(options.Output),
		daemonState: DaemonStateNotStarted,
	}, nil
}

// Start loads the units from the host, seeds the tracker with their live state
// and builds the execution pipeline.
func (d *Daemon) Start(ctx context.Context) error {
	if state := d.State(); state != DaemonStateNotStarted {
		return errors.NewConflictError(fmt.Sprintf("daemon cannot start from state %s", state), nil).
			WithContext("daemon_state", string(state))
	}

	d.logger.Infof("Starting daemon...")

	list, err := d.adapter.ListUnits(ctx)
	if err != nil {
		return errors.NewAdapterError("failed to list units", err)
	}

	directory, err := units.NewDirectory(list)
	if err != nil {
		return errors.NewValidationError("invalid unit listing", err)
	}
	directory, unmatched, err := directory.Filter(d.options.Include, d.options.Exclude)
	if err != nil {
		return errors.NewValidationError("failed to filter units", err)
	}
	for _, ref := range unmatched {
		d.logger.Warnf("Configured unit '%s' matches nothing", ref)
	}

	trackerLogger := logging.WithPrefix(d.logger, logging.ModulePrefix("tracker"))
	unitTracker := tracker.NewTracker(trackerLogger)
	for _, unit := range directory.All() {
		running, err := d.adapter.IsRunning(ctx, unit.ID)
		if err != nil {
			d.logger.Warnf("Unable to query %s, assuming stopped: %v", unit.ID, err)
			running = false
		}
		unitTracker.Seed(unit.ID, running)
		d.logger.Infof("Loaded unit, id: %s, name: %s, kind: %s, onboot: %t, running: %t",
			unit.ID, unit.Name, unit.Kind, unit.Onboot, running)
	}

	intentQueue := queue.NewQueue(logging.WithPrefix(d.logger, logging.ModulePrefix("queue")))
	unitExecutor := executor.NewExecutor(
		intentQueue,
		unitTracker,
		d.adapter,
		dispatch.NewWriterReporter(d.output),
		executor.Options{
			CommandTimeout: d.options.CommandTimeout,
			UpDelay:        upDelays(directory),
		},
		logging.WithPrefix(d.logger, logging.ModulePrefix("executor")),
	)
	dispatcher := dispatch.NewDispatcher(
		directory,
		intentQueue,
		unitTracker,
		unitExecutor,
		d.adapter,
		logging.WithPrefix(d.logger, logging.ModulePrefix("dispatch")),
	)

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.daemonState != DaemonStateNotStarted {
		return errors.NewConflictError("daemon was started concurrently", nil)
	}

	d.directory = directory
	d.tracker = unitTracker
	d.queue = intentQueue
	d.executor = unitExecutor
	d.dispatcher = dispatcher

	if d.options.ReconcileInterval > 0 {
		reconcileCtx, cancel := context.WithCancel(context.Background())
		d.reconcileCancel = cancel
		d.reconcileWg.Add(1)
		go d.reconcileLoop(reconcileCtx)
	}

	d.daemonState = DaemonStateRunning
	d.logger.Infof("Daemon started, units: %d, running: %d", directory.Len(), len(unitTracker.Running()))
	return nil
}

// Handle executes one command line. Acknowledgments go to w; execution
// notices go to the daemon output.
func (d *Daemon) Handle(ctx context.Context, line string, w io.Writer) error {
	d.mutex.Lock()
	state, dispatcher := d.daemonState, d.dispatcher
	d.mutex.Unlock()

	if state != DaemonStateRunning {
		return errors.NewConflictError(fmt.Sprintf("daemon must be running to handle commands, current state: %s", state), nil).
			WithContext("daemon_state", string(state))
	}
	return dispatcher.Handle(ctx, line, w)
}

// Serve handles lines until the channel is closed or ctx is done.
func (d *Daemon) Serve(ctx context.Context, lines <-chan string, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			d.logger.Infof("Serve stopped: %v", ctx.Err())
			return nil
		case line, ok := <-lines:
			if !ok {
				d.logger.Infof("Command input closed")
				return nil
			}
			if err := d.Handle(ctx, line, w); err != nil {
				d.logger.Debugf("Command '%s' failed: %v", line, err)
			}
		}
	}
}

// Wait blocks until no unit has work left, or ctx is done.
func (d *Daemon) Wait(ctx context.Context) error {
	d.mutex.Lock()
	unitExecutor := d.executor
	d.mutex.Unlock()

	if unitExecutor == nil {
		return nil
	}
	return unitExecutor.Wait(ctx)
}

// Stop drops pending intents and waits for in-flight calls, bounded by the
// shutdown timeout.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mutex.Lock()
	switch d.daemonState {
	case DaemonStateStopping, DaemonStateStopped:
		d.mutex.Unlock()
		return nil
	case DaemonStateNotStarted:
		d.daemonState = DaemonStateStopped
		d.mutex.Unlock()
		d.logger.Infof("Daemon stopped before it was started")
		return nil
	}
	d.daemonState = DaemonStateStopping
	reconcileCancel := d.reconcileCancel
	d.mutex.Unlock()

	d.logger.Infof("Stopping daemon...")

	if reconcileCancel != nil {
		reconcileCancel()
		d.reconcileWg.Wait()
	}

	if ctx == nil {
		ctx = context.Background()
	}
	shutdownTimeout := d.options.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	err := d.executor.Close(ctx)
	if err != nil {
		d.logger.Warnf("In-flight calls did not finish in time: %v", err)
	}

	d.setDaemonState(DaemonStateStopped)
	d.logger.Infof("Daemon stopped")
	return err
}

// State returns the daemon's current lifecycle state.
func (d *Daemon) State() DaemonState {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.daemonState
}

// Output returns the synchronized writer that execution notices go to. Pass it
// to Serve so acknowledgments and notices never interleave mid-line.
func (d *Daemon) Output() io.Writer {
	return d.output
}

func (d *Daemon) setDaemonState(state DaemonState) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.daemonState = state
}

func (d *Daemon) reconcileLoop(ctx context.Context) {
	defer d.reconcileWg.Done()

	ticker := time.NewTicker(d.options.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Debugf("Reconcile loop stopped")
			return

		case <-ticker.C:
			if err := d.tracker.Reconcile(ctx, d.adapter); err != nil {
				d.logger.Warnf("Reconcile failed: %v", err)
			}
		}
	}
}

func upDelays(directory *units.Directory) func(string) time.Duration {
	return func(unitID string) time.Duration {
		unit, ok := directory.Get(unitID)
		if !ok {
			return 0
		}
		return unit.UpDelay
	}
}
