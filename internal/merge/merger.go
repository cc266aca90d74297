// Package merge derives the displayed task state from its two inputs: the
// one-shot REST snapshot and the stream of live messages. The derivation is
// pure and recomputed whenever either input changes; precedence is
// per-field, live over snapshot.
package merge

import (
	"time"

	"github.com/solvewatch/solvewatch/internal/api"
	"github.com/solvewatch/solvewatch/internal/live"
)

// LogLine is one accumulated log entry. Snapshot lines carry the server
// timestamp; streamed lines carry the client receipt time (the backend sends
// none for streamed messages).
type LogLine struct {
	At      time.Time
	Message string
}

// View is the merged, display-ready state.
type View struct {
	Status        api.TaskStatus
	Stage         string
	Percentage    float64 // always within [0,100]
	ResultMessage string
	ResultIsError bool // failed/cancelled surface the message as an error
	MatrixSize    *int

	// Queue metadata; nil once the task has left the queued/pending phase.
	QueuePosition    *int
	EstimatedWaitSec *int

	CanCancel   bool
	CanDownload bool

	Live      bool // at least one live message has been applied
	Connected bool

	Logs []LogLine
}

// Merger accumulates the snapshot, the last live message and the log
// sequence. It is owned by a single goroutine; events are applied in receipt
// order.
type Merger struct {
	now func() time.Time

	snap      *api.Task
	last      *live.Message
	logs      []LogLine
	seeded    bool
	connected bool
}

func New() *Merger {
	return &Merger{now: time.Now}
}

// NewWithClock injects the receipt-timestamp clock.
func NewWithClock(now func() time.Time) *Merger {
	return &Merger{now: now}
}

// SetSnapshot installs (or replaces) the snapshot. The log sequence is seeded
// from the snapshot's historical logs exactly once per page view; a re-fetch
// does not duplicate them.
func (m *Merger) SetSnapshot(t *api.Task) {
	m.snap = t
	if m.seeded || t == nil {
		return
	}
	for _, l := range t.Logs {
		at, _ := time.Parse(time.RFC3339, l.Timestamp)
		m.logs = append(m.logs, LogLine{At: at, Message: l.Message})
	}
	m.seeded = true
}

// Apply installs a live message, replacing the live-derived fields wholesale.
// An update carrying a log_message appends one entry with the client-observed
// receipt time; initial_state never carries one, so re-applying it is
// idempotent.
func (m *Merger) Apply(msg live.Message) {
	m.last = &msg
	if msg.Type == live.TypeUpdate && msg.LogMessage != "" {
		m.logs = append(m.logs, LogLine{At: m.now(), Message: msg.LogMessage})
	}
}

// SetConnected records the channel connectivity flag for display.
func (m *Merger) SetConnected(up bool) { m.connected = up }

// View recomputes the merged state. Any field present in the last live
// message wins; an absent field falls back to the snapshot.
func (m *Merger) View() View {
	v := View{
		Live:      m.last != nil,
		Connected: m.connected,
		Logs:      append([]LogLine(nil), m.logs...),
	}

	if m.snap != nil {
		v.Status = m.snap.Status
		if m.snap.LastProgress != nil {
			v.Stage = m.snap.LastProgress.Stage
			v.Percentage = m.snap.LastProgress.Percentage
		}
		v.ResultMessage = m.snap.ResultMessage
		v.MatrixSize = m.snap.MatrixSize
	}

	if m.last != nil {
		if m.last.Status != nil {
			v.Status = *m.last.Status
		}
		if m.last.Stage != nil {
			v.Stage = *m.last.Stage
		}
		if m.last.Percentage != nil {
			v.Percentage = *m.last.Percentage
		}
		if m.last.ResultMessage != nil {
			v.ResultMessage = *m.last.ResultMessage
		}
		if m.last.MatrixSize != nil {
			v.MatrixSize = m.last.MatrixSize
		}
	}

	// Queue metadata never arrives on the live channel; it is snapshot-only
	// and stops meaning anything once the task leaves the queue phase.
	if m.snap != nil && v.Status.InQueue() {
		v.QueuePosition = m.snap.QueuePosition
		v.EstimatedWaitSec = m.snap.EstimatedWaitTimeSec
	}

	if v.Status.Terminal() {
		v.Percentage = 100
	}
	if v.Percentage < 0 {
		v.Percentage = 0
	}
	if v.Percentage > 100 {
		v.Percentage = 100
	}

	v.CanCancel = v.Status != "" && !v.Status.Terminal()
	v.CanDownload = v.Status == api.StatusCompleted
	v.ResultIsError = v.Status == api.StatusFailed || v.Status == api.StatusCancelled

	return v
}
