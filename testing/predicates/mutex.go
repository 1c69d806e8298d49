// Package predicates checks the outcome of a harness run.
package predicates

import (
	"fmt"
	"sort"
	"strings"

	"github.com/distcodep7/lamportmesh/mesh"
	"github.com/distcodep7/lamportmesh/testing/harness"
	"github.com/distcodep7/lamportmesh/trace"
)

// MutualExclusion holds when no two processes were ever inside the critical
// section together, judged both by wall clock and by the traced
// ENTER_CS/LEAVE_CS pairs of each process.
func MutualExclusion(res *harness.Result) error {
	if res.Overlaps != 0 {
		return fmt.Errorf("%d critical sections overlapped", res.Overlaps)
	}
	inside := map[mesh.ProcessID]bool{}
	for _, ev := range byProcess(res.Trace) {
		switch ev.Kind {
		case trace.KindEnter:
			if inside[ev.Process] {
				return fmt.Errorf("process %d entered twice without leaving (seq %d)", ev.Process, ev.Seq)
			}
			inside[ev.Process] = true
		case trace.KindLeave:
			if !inside[ev.Process] {
				return fmt.Errorf("process %d left without entering (seq %d)", ev.Process, ev.Seq)
			}
			inside[ev.Process] = false
		}
	}
	for p, in := range inside {
		if in {
			return fmt.Errorf("process %d never left the critical section", p)
		}
	}
	return nil
}

// SerializedByRequest holds when the critical sections were granted in
// ascending (request timestamp, process id) order.
func SerializedByRequest(res *harness.Result) error {
	for i := 1; i < len(res.Sections); i++ {
		a, b := res.Sections[i-1], res.Sections[i]
		if b.Request < a.Request || (b.Request == a.Request && b.ID < a.ID) {
			return fmt.Errorf("process %d (request %d) served after process %d (request %d)",
				b.ID, b.Request, a.ID, a.Request)
		}
	}
	return nil
}

// ClockMonotonic holds when no process ever observed its clock go back.
func ClockMonotonic(res *harness.Result) error {
	last := map[mesh.ProcessID]trace.Event{}
	for _, ev := range byProcess(res.Trace) {
		if prev, ok := last[ev.Process]; ok && ev.Lamport < prev.Lamport {
			return fmt.Errorf("process %d clock went from %d to %d at seq %d", ev.Process, prev.Lamport, ev.Lamport, ev.Seq)
		}
		last[ev.Process] = ev
	}
	return nil
}

// ClockCondition holds when every causally ordered pair of events is also
// ordered by Lamport time.
func ClockCondition(res *harness.Result) error {
	annotated, err := trace.Replay(res.Workers+1, res.Trace)
	if err != nil {
		return err
	}
	return trace.CheckClockCondition(annotated)
}

// Lifecycle holds when every worker announced STARTED and DONE and every
// process saw all of its peers do both.
func Lifecycle(res *harness.Result) error {
	for p := 0; p <= res.Workers; p++ {
		out := res.Output[mesh.ProcessID(p)]
		want := []string{"received all STARTED messages", "received all DONE messages"}
		if p != int(mesh.Parent) {
			want = append(want, "has STARTED", "has DONE")
		}
		for _, w := range want {
			if !strings.Contains(out, w) {
				return fmt.Errorf("process %d output lacks %q:\n%s", p, w, out)
			}
		}
	}
	return nil
}

// Conservation holds when the bank histories never lose or create money.
func Conservation(res *harness.Result) error {
	if len(res.History) != res.Workers {
		return fmt.Errorf("collected %d histories for %d workers", len(res.History), res.Workers)
	}
	return res.History.CheckConservation()
}

func byProcess(events []trace.Event) []trace.Event {
	out := append([]trace.Event(nil), events...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Process != out[j].Process {
			return out[i].Process < out[j].Process
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}
