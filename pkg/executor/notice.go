package executor

import (
	"fmt"
	"sync"

	"github.com/McTwist/vmctrl/pkg/queue"
)

// NoticeKind is the per-unit acknowledgment sent back to the command source.
type NoticeKind string

const (
	NoticeQueued     NoticeKind = "queued"
	NoticeSuperseded NoticeKind = "superseded"
	NoticeStarting   NoticeKind = "starting"
	NoticeStopping   NoticeKind = "stopping"
	NoticeStarted    NoticeKind = "started"
	NoticeStopped    NoticeKind = "stopped"
	NoticeSatisfied  NoticeKind = "satisfied"
	NoticeFailed     NoticeKind = "failed"
	NoticeDropped    NoticeKind = "dropped"
	NoticeUnknown    NoticeKind = "unknown"
)

// Notice is one acknowledgment for one unit.
type Notice struct {
	RequestID string
	UnitID    string
	Kind      NoticeKind
	Action    queue.Action
	Err       error
}

func (n Notice) String() string {
	line := fmt.Sprintf("%s %s", n.Kind, n.UnitID)
	if n.Action != "" {
		line += fmt.Sprintf(" (%s)", n.Action)
	}
	if n.Err != nil {
		line += fmt.Sprintf(": %v", n.Err)
	}
	return line
}

// NoticeFor builds a notice correlated with intent.
func NoticeFor(intent queue.Intent, kind NoticeKind, err error) Notice {
	return Notice{
		RequestID: intent.RequestID,
		UnitID:    intent.UnitID,
		Kind:      kind,
		Action:    intent.Action,
		Err:       err,
	}
}

// Reporter receives notices. Implementations must be safe for concurrent use,
// lanes report from their own goroutines.
type Reporter interface {
	Report(notice Notice)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(notice Notice)

func (f ReporterFunc) Report(notice Notice) {
	f(notice)
}

// NopReporter discards notices.
var NopReporter Reporter = ReporterFunc(func(Notice) {})

// RecordingReporter keeps every notice in arrival order.
type RecordingReporter struct {
	notices []Notice
	mutex   sync.Mutex
}

func (r *RecordingReporter) Report(notice Notice) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.notices = append(r.notices, notice)
}

// Notices returns a copy of what was recorded so far.
func (r *RecordingReporter) Notices() []Notice {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Kinds returns the recorded kinds for one unit.
func (r *RecordingReporter) Kinds(unitID string) []NoticeKind {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var kinds []NoticeKind
	for _, notice := range r.notices {
		if notice.UnitID == unitID {
			kinds = append(kinds, notice.Kind)
		}
	}
	return kinds
}
