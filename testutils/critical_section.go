package testutils

import (
	"sync"
	"sync/atomic"
	"time"

	"v.io/x/lib/vlog"

	"github.com/distcodep7/lamportmesh/lamport"
	"github.com/distcodep7/lamportmesh/mesh"
)

// Entry is one completed visit to the critical section.
type Entry struct {
	ID      mesh.ProcessID
	Request lamport.Timestamp
	Start   time.Time
	End     time.Time
}

// CriticalSection is a shared resource that notices when two processes are
// inside it at once.
type CriticalSection struct {
	inside   atomic.Int32
	overlaps atomic.Int32

	mu      sync.Mutex
	entries []Entry
}

// Work occupies the critical section for duration on behalf of id, whose
// request carried timestamp req.
func (cs *CriticalSection) Work(id mesh.ProcessID, req lamport.Timestamp, duration time.Duration, f func()) {
	if cs.inside.Add(1) != 1 {
		cs.overlaps.Add(1)
	}
	start := time.Now()
	vlog.VI(1).Infof("[%d] ENTER CS (request %d)", id, req)
	if f != nil {
		f()
	}
	time.Sleep(duration)
	vlog.VI(1).Infof("[%d] EXIT CS", id)

	cs.mu.Lock()
	cs.entries = append(cs.entries, Entry{ID: id, Request: req, Start: start, End: time.Now()})
	cs.mu.Unlock()
	cs.inside.Add(-1)
}

// Value is the number of completed visits.
func (cs *CriticalSection) Value() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.entries)
}

// Overlaps counts entries made while another process was inside.
func (cs *CriticalSection) Overlaps() int { return int(cs.overlaps.Load()) }

// Entries returns the visits in the order they ended.
func (cs *CriticalSection) Entries() []Entry {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]Entry(nil), cs.entries...)
}
