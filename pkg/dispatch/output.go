package dispatch

import (
	"fmt"
	"io"
	"sync"

	"github.com/McTwist/vmctrl/pkg/executor"
)

// SyncWriter serializes writes so lines from the dispatcher and from executor
// lanes never interleave.
type SyncWriter struct {
	w     io.Writer
	mutex sync.Mutex
}

func NewSyncWriter(w io.Writer) *SyncWriter {
	if sw, ok := w.(*SyncWriter); ok {
		return sw
	}
	return &SyncWriter{w: w}
}

func (s *SyncWriter) Write(p []byte) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.w.Write(p)
}

// WriterReporter prints executor notices as acknowledgment lines.
type WriterReporter struct {
	w *SyncWriter
}

func NewWriterReporter(w io.Writer) *WriterReporter {
	return &WriterReporter{w: NewSyncWriter(w)}
}

func (r *WriterReporter) Report(notice executor.Notice) {
	// Errors writing to the command source are not recoverable here
	_, _ = fmt.Fprintln(r.w, notice.String())
}

func writeLine(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format+"\n", args...)
}
