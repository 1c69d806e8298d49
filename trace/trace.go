// Package trace records what each process sends, receives and does in its
// critical section, stamped with the Lamport time of the event.
package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"v.io/x/lib/vlog"

	"github.com/distcodep7/lamportmesh/lamport"
	"github.com/distcodep7/lamportmesh/mesh"
)

type Kind string

const (
	KindSend  Kind = "SEND"
	KindRecv  Kind = "RECV"
	KindEnter Kind = "ENTER_CS"
	KindLeave Kind = "LEAVE_CS"
)

// Everyone is the To field of a broadcast send.
const Everyone mesh.ProcessID = -1

// Event is one line of the trace.
type Event struct {
	ID        string            `json:"id"`
	Process   mesh.ProcessID    `json:"process"`
	Seq       int               `json:"seq"` // program order within Process
	Lamport   lamport.Timestamp `json:"lamport"`
	Kind      Kind              `json:"kind"`
	MsgType   string            `json:"msg_type,omitempty"`
	From      mesh.ProcessID    `json:"from"`
	To        mesh.ProcessID    `json:"to"`
	Payload   []byte            `json:"payload,omitempty"`
	Timestamp int64             `json:"timestamp"` // wall clock, informational only
}

// Recorder stores trace events. Implementations must be safe for use by
// several processes of an in-process run at once.
type Recorder interface {
	Record(Event) error
}

// Stream numbers the events of one process and forwards them to a Recorder.
// A nil *Stream discards everything.
type Stream struct {
	process mesh.ProcessID
	seq     int
	rec     Recorder
	failed  bool
}

func NewStream(process mesh.ProcessID, rec Recorder) *Stream {
	if rec == nil {
		return nil
	}
	return &Stream{process: process, rec: rec}
}

// Emit records one event of the owning process.
func (s *Stream) Emit(kind Kind, msgType string, from, to mesh.ProcessID, ts lamport.Timestamp, payload []byte) {
	if s == nil {
		return
	}
	ev := Event{
		ID:        uuid.NewString(),
		Process:   s.process,
		Seq:       s.seq,
		Lamport:   ts,
		Kind:      kind,
		MsgType:   msgType,
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now().UnixNano(),
	}
	s.seq++
	if err := s.rec.Record(ev); err != nil && !s.failed {
		// Report once; a broken trace must not stop the protocol.
		s.failed = true
		vlog.Errorf("process %d: trace record failed: %v", s.process, err)
	}
}

// MemoryRecorder keeps events in memory. It is what the in-process harness
// and the tests use.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{events: make([]Event, 0, 1024)}
}

func (m *MemoryRecorder) Record(ev Event) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (m *MemoryRecorder) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Filter returns the recorded events matching pred, in recording order.
func (m *MemoryRecorder) Filter(pred func(Event) bool) []Event {
	var out []Event
	for _, ev := range m.Events() {
		if pred(ev) {
			out = append(out, ev)
		}
	}
	return out
}
