package queue

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/McTwist/vmctrl/pkg/logging"
)

// slot holds at most one pending intent for a unit, plus the intent currently
// handed to the executor.
type slot struct {
	pending   *Intent
	executing *Intent
	mutex     sync.Mutex
}

// SubmitResult tells the caller what Submit did to the unit's slot.
type SubmitResult struct {
	Intent Intent
	// Superseded is the pending intent that was dropped, if any.
	Superseded *Intent
	// Waiting is set when the unit has an intent in flight; the new intent runs
	// once that one completes.
	Waiting bool
}

// Queue is the per-unit intent table. Operations on different units never
// contend on the same slot lock.
type Queue struct {
	slots    map[string]*slot
	sequence atomic.Uint64
	logger   logging.Logger
	mutex    sync.RWMutex
}

func NewQueue(logger logging.Logger) *Queue {
	return &Queue{
		slots:  make(map[string]*slot),
		logger: logger,
	}
}

// Submit stores intent as the unit's pending intent, replacing any earlier
// pending one. An executing intent is never touched.
func (q *Queue) Submit(intent Intent) SubmitResult {
	s := q.slotFor(intent.UnitID)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Taken under the slot lock so a superseding intent always carries the
	// higher sequence
	intent.Sequence = q.sequence.Add(1)

	result := SubmitResult{
		Intent:     intent,
		Superseded: s.pending,
		Waiting:    s.executing != nil,
	}
	s.pending = &intent

	if result.Superseded != nil {
		q.logger.Infof("Superseded %s with %s", result.Superseded, intent)
	} else {
		q.logger.Debugf("Queued %s, waiting: %t", intent, result.Waiting)
	}
	return result
}

// TryTakeForExecution hands out the pending intent if the unit is not already
// executing one. This is the only way an intent reaches the executor.
func (q *Queue) TryTakeForExecution(unitID string) (Intent, bool) {
	s := q.lookup(unitID)
	if s == nil {
		return Intent{}, false
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.takeLocked()
}

// Complete releases the unit's executing mark and, in the same critical
// section, takes the next pending intent. A lane loops while this returns true.
func (q *Queue) Complete(unitID string) (Intent, bool) {
	s := q.lookup(unitID)
	if s == nil {
		return Intent{}, false
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.executing = nil
	return s.takeLocked()
}

// Pending returns the unit's pending intent without taking it.
func (q *Queue) Pending(unitID string) (Intent, bool) {
	s := q.lookup(unitID)
	if s == nil {
		return Intent{}, false
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.pending == nil {
		return Intent{}, false
	}
	return *s.pending, true
}

// Executing returns the intent in flight for the unit.
func (q *Queue) Executing(unitID string) (Intent, bool) {
	s := q.lookup(unitID)
	if s == nil {
		return Intent{}, false
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.executing == nil {
		return Intent{}, false
	}
	return *s.executing, true
}

// Len counts pending intents across all units.
func (q *Queue) Len() int {
	count := 0
	for _, s := range q.allSlots() {
		s.mutex.Lock()
		if s.pending != nil {
			count++
		}
		s.mutex.Unlock()
	}
	return count
}

// Drain drops every pending intent and returns them ordered by sequence.
// Executing marks are left alone.
func (q *Queue) Drain() []Intent {
	var drained []Intent
	for _, s := range q.allSlots() {
		s.mutex.Lock()
		if s.pending != nil {
			drained = append(drained, *s.pending)
			s.pending = nil
		}
		s.mutex.Unlock()
	}

	sort.Slice(drained, func(i, j int) bool {
		return drained[i].Sequence < drained[j].Sequence
	})
	return drained
}

func (s *slot) takeLocked() (Intent, bool) {
	if s.pending == nil || s.executing != nil {
		return Intent{}, false
	}
	s.executing = s.pending
	s.pending = nil
	return *s.executing, true
}

func (q *Queue) lookup(unitID string) *slot {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	return q.slots[unitID]
}

// slotFor returns the unit's slot, creating it on first use
func (q *Queue) slotFor(unitID string) *slot {
	if s := q.lookup(unitID); s != nil {
		return s
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	// Double-check under write lock (could have been created by another goroutine)
	s, exists := q.slots[unitID]
	if !exists {
		s = &slot{}
		q.slots[unitID] = s
	}
	return s
}

func (q *Queue) allSlots() []*slot {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	out := make([]*slot, 0, len(q.slots))
	for _, s := range q.slots {
		out = append(out, s)
	}
	return out
}
