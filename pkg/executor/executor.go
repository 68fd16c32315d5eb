package executor

import (
	"context"
	"sync"
	"time"

	"github.com/McTwist/vmctrl/pkg/errors"
	"github.com/McTwist/vmctrl/pkg/host"
	"github.com/McTwist/vmctrl/pkg/logging"
	"github.com/McTwist/vmctrl/pkg/queue"
	"github.com/McTwist/vmctrl/pkg/tracker"
)

// UnitController is the part of the host adapter the executor drives.
type UnitController interface {
	Apply(ctx context.Context, unitID string, op host.Operation) error
}

type Options struct {
	// CommandTimeout bounds a single adapter call, 0 means no bound
	CommandTimeout time.Duration
	// UpDelay returns how long a lane holds after starting the unit, nil
	// means no hold
	UpDelay func(unitID string) time.Duration
}

// Executor runs one lane per unit. A lane exists only while its unit has work:
// it is started by Kick and exits once Complete hands out nothing.
type Executor struct {
	queue      *queue.Queue
	tracker    *tracker.Tracker
	controller UnitController
	reporter   Reporter
	options    Options
	logger     logging.Logger

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	mutex  sync.Mutex

	// State
	active  int
	idle    chan struct{}
	closed  bool
	closing chan struct{}
}

func NewExecutor(q *queue.Queue, t *tracker.Tracker, controller UnitController, reporter Reporter, options Options, logger logging.Logger) *Executor {
	if reporter == nil {
		reporter = NopReporter
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Executor{
		queue:      q,
		tracker:    t,
		controller: controller,
		reporter:   reporter,
		options:    options,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		closing:    make(chan struct{}),
	}
}

// Kick starts a lane for the unit if it has a pending intent and nothing in
// flight. Otherwise the running lane picks the pending intent up on completion.
func (e *Executor) Kick(ctx context.Context, unitID string) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError("kick cancelled", err).WithContext("unit_id", unitID)
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closed {
		return errors.NewConflictError("executor is closed", nil).WithContext("unit_id", unitID)
	}

	intent, ok := e.queue.TryTakeForExecution(unitID)
	if !ok {
		e.logger.Debugf("Lane busy or nothing pending, unit: %s", unitID)
		return nil
	}

	e.active++
	if e.active == 1 {
		e.idle = make(chan struct{})
	}

	go e.runLane(intent)
	return nil
}

// Wait blocks until every lane is idle.
func (e *Executor) Wait(ctx context.Context) error {
	e.mutex.Lock()
	if e.active == 0 {
		e.mutex.Unlock()
		return nil
	}
	idle := e.idle
	e.mutex.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return errors.NewTimeoutError("lanes still busy", ctx.Err())
	}
}

// Active returns the number of running lanes.
func (e *Executor) Active() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.active
}

// Close stops accepting kicks, drops pending intents and lets in-flight calls
// finish until ctx is done. After that in-flight calls are cancelled.
func (e *Executor) Close(ctx context.Context) error {
	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return nil
	}
	e.closed = true
	close(e.closing)
	e.mutex.Unlock()

	e.logger.Infof("Closing executor, active lanes: %d", e.Active())
	e.dropPending()

	err := e.Wait(ctx)
	if err != nil {
		e.logger.Warnf("Cancelling in-flight calls: %v", err)
	}
	e.cancel()

	if err != nil {
		// Cancelled calls return promptly, give the lanes a moment to settle
		settleCtx, settleCancel := context.WithTimeout(context.Background(), time.Second)
		defer settleCancel()
		_ = e.Wait(settleCtx)
	}

	e.dropPending()
	e.logger.Infof("Executor closed")
	return err
}

func (e *Executor) isClosed() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.closed
}

func (e *Executor) dropPending() {
	for _, intent := range e.queue.Drain() {
		e.logger.Infof("Dropped %s", intent)
		e.reporter.Report(NoticeFor(intent, NoticeDropped, nil))
	}
}

// runLane executes the intent Kick handed over, then whatever Complete hands
// out. Once the executor is closed, intents taken from the queue are dropped
// instead of executed.
func (e *Executor) runLane(intent queue.Intent) {
	defer e.laneDone()

	e.execute(intent)
	for {
		next, ok := e.queue.Complete(intent.UnitID)
		if !ok {
			return
		}
		intent = next

		if e.isClosed() {
			e.logger.Infof("Dropped %s", intent)
			e.reporter.Report(NoticeFor(intent, NoticeDropped, nil))
			continue
		}
		e.execute(intent)
	}
}

func (e *Executor) laneDone() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.active--
	if e.active == 0 {
		close(e.idle)
	}
}

func (e *Executor) execute(intent queue.Intent) {
	logger := logging.WithPrefix(e.logger, logging.UnitPrefix(intent.UnitID))
	target := intent.Action.WantsRunning()

	if state, ok := e.tracker.Get(intent.UnitID); ok && state.Settled() && state.Running == target {
		logger.Infof("Already satisfied: %s", intent)
		e.reporter.Report(NoticeFor(intent, NoticeSatisfied, nil))
		return
	}

	if err := e.tracker.Begin(intent.UnitID, target); err != nil {
		logger.Errorf("Cannot execute %s: %v", intent, err)
		e.reporter.Report(NoticeFor(intent, NoticeFailed, err))
		return
	}

	if target {
		e.reporter.Report(NoticeFor(intent, NoticeStarting, nil))
	} else {
		e.reporter.Report(NoticeFor(intent, NoticeStopping, nil))
	}

	ctx, cancel := e.callContext()
	defer cancel()

	startTime := time.Now()
	err := e.controller.Apply(ctx, intent.UnitID, operationFor(intent.Action))

	if err != nil {
		if !errors.IsAdapterError(err) {
			err = errors.NewAdapterError("failed to "+string(intent.Action)+" unit", err).
				WithContext("unit_id", intent.UnitID)
		}
		logger.Errorf("Failed %s after %v: %v", intent, time.Since(startTime), err)
		if failErr := e.tracker.Fail(intent.UnitID, err); failErr != nil {
			logger.Errorf("Failed to record failure: %v", failErr)
		}
		e.reporter.Report(NoticeFor(intent, NoticeFailed, err))
		return
	}

	if succeedErr := e.tracker.Succeed(intent.UnitID, target); succeedErr != nil {
		logger.Errorf("Failed to record success: %v", succeedErr)
	}
	logger.Infof("Completed %s in %v", intent, time.Since(startTime))

	if target {
		e.reporter.Report(NoticeFor(intent, NoticeStarted, nil))
	} else {
		e.reporter.Report(NoticeFor(intent, NoticeStopped, nil))
	}

	if intent.Action == queue.ActionStart {
		e.holdUp(logger, intent.UnitID)
	}
}

// holdUp keeps the lane busy for the unit's up delay so its next intent does
// not hit a guest that is still booting. Closing the executor ends the hold.
func (e *Executor) holdUp(logger logging.Logger, unitID string) {
	if e.options.UpDelay == nil {
		return
	}
	delay := e.options.UpDelay(unitID)
	if delay <= 0 {
		return
	}

	logger.Debugf("Holding lane for up delay of %v", delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-e.closing:
		logger.Debugf("Up delay cut short by close")
	}
}

func operationFor(action queue.Action) host.Operation {
	switch action {
	case queue.ActionStart:
		return host.OperationStart
	case queue.ActionResume:
		return host.OperationResume
	case queue.ActionShutdown:
		return host.OperationShutdown
	case queue.ActionSuspend:
		return host.OperationSuspend
	case queue.ActionHibernate:
		return host.OperationHibernate
	default:
		return host.OperationStop
	}
}

func (e *Executor) callContext() (context.Context, context.CancelFunc) {
	if e.options.CommandTimeout > 0 {
		return context.WithTimeout(e.ctx, e.options.CommandTimeout)
	}
	return context.WithCancel(e.ctx)
}
