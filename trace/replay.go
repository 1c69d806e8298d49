package trace

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/DistributedClocks/GoVector/govec/vclock"

	"github.com/distcodep7/lamportmesh/mesh"
)

var ErrUnmatched = errors.New("trace: receive without a matching send")

// Annotated is an event together with the vector clock rebuilt for it.
type Annotated struct {
	Event
	Clock vclock.VClock
}

type channel struct{ from, to mesh.ProcessID }

func key(p mesh.ProcessID) string { return strconv.Itoa(int(p)) }

// Replay rebuilds vector clocks for a complete trace of a group of n
// processes. Channels are FIFO, so the k-th receive on from->to consumes the
// clock of the k-th send on that channel.
func Replay(n int, events []Event) ([]Annotated, error) {
	perProc := make(map[mesh.ProcessID][]Event)
	for _, ev := range events {
		perProc[ev.Process] = append(perProc[ev.Process], ev)
	}
	for _, evs := range perProc {
		sort.Slice(evs, func(i, j int) bool { return evs[i].Seq < evs[j].Seq })
	}

	clocks := make(map[mesh.ProcessID]vclock.VClock, n)
	for p := 0; p < n; p++ {
		vc := vclock.New()
		for q := 0; q < n; q++ {
			vc.Set(key(mesh.ProcessID(q)), 0)
		}
		clocks[mesh.ProcessID(p)] = vc
	}

	inflight := make(map[channel][]vclock.VClock)
	next := make(map[mesh.ProcessID]int)
	out := make([]Annotated, 0, len(events))

	for progress := true; progress; {
		progress = false
		for p := 0; p < n; p++ {
			proc := mesh.ProcessID(p)
			evs := perProc[proc]
			for next[proc] < len(evs) {
				ev := evs[next[proc]]
				vc := clocks[proc]
				if ev.Kind == KindRecv {
					ch := channel{ev.From, proc}
					q := inflight[ch]
					if len(q) == 0 {
						break
					}
					vc.Merge(q[0])
					inflight[ch] = q[1:]
				}
				vc.Tick(key(proc))
				if ev.Kind == KindSend {
					for _, dst := range recipients(n, ev) {
						ch := channel{proc, dst}
						inflight[ch] = append(inflight[ch], vc.Copy())
					}
				}
				out = append(out, Annotated{Event: ev, Clock: vc.Copy()})
				next[proc]++
				progress = true
			}
		}
	}

	for p, evs := range perProc {
		if next[p] < len(evs) {
			ev := evs[next[p]]
			return out, fmt.Errorf("%w: process %d seq %d from %d", ErrUnmatched, p, ev.Seq, ev.From)
		}
	}
	return out, nil
}

func recipients(n int, ev Event) []mesh.ProcessID {
	if ev.To != Everyone {
		return []mesh.ProcessID{ev.To}
	}
	var dsts []mesh.ProcessID
	for q := 0; q < n; q++ {
		if mesh.ProcessID(q) != ev.Process {
			dsts = append(dsts, mesh.ProcessID(q))
		}
	}
	return dsts
}

// CheckClockCondition verifies that whenever a happened before b, the
// Lamport time of a is smaller than that of b.
func CheckClockCondition(annotated []Annotated) error {
	for i := range annotated {
		a := annotated[i]
		for j := range annotated {
			if i == j {
				continue
			}
			b := annotated[j]
			if a.Clock.Compare(b.Clock, vclock.Descendant) && a.Lamport >= b.Lamport {
				return fmt.Errorf("process %d seq %d (L=%d) happened before process %d seq %d (L=%d)",
					a.Process, a.Seq, a.Lamport, b.Process, b.Seq, b.Lamport)
			}
		}
	}
	return nil
}
