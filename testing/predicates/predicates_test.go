package predicates

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/distcodep7/lamportmesh/bank"
	"github.com/distcodep7/lamportmesh/lamport"
	"github.com/distcodep7/lamportmesh/mesh"
	"github.com/distcodep7/lamportmesh/testing/harness"
	"github.com/distcodep7/lamportmesh/trace"
)

func run(t *testing.T, cfg harness.Config) *harness.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := harness.Run(ctx, cfg)
	if err != nil {
		t.Fatalf("harness.Run: %v", err)
	}
	return res
}

func check(t *testing.T, res *harness.Result, preds map[string]func(*harness.Result) error) {
	t.Helper()
	for name, pred := range preds {
		if err := pred(res); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
}

func TestMutexThreeWorkers(t *testing.T) {
	res := run(t, harness.Config{Workers: 3, Mutex: true, Iterations: 5, Hold: time.Millisecond})

	if len(res.Sections) != 15 {
		t.Fatalf("%d critical sections, want 15", len(res.Sections))
	}
	check(t, res, map[string]func(*harness.Result) error{
		"MutualExclusion":     MutualExclusion,
		"SerializedByRequest": SerializedByRequest,
		"ClockMonotonic":      ClockMonotonic,
		"ClockCondition":      ClockCondition,
		"Lifecycle":           Lifecycle,
	})

	enters := res.Filter(func(ev trace.Event) bool { return ev.Kind == trace.KindEnter })
	if len(enters) != 15 {
		t.Fatalf("traced %d critical section entries", len(enters))
	}
}

// The CLI holds the critical section for no time at all, so releases and
// fresh requests interleave across every channel.
func TestMutexWithoutHold(t *testing.T) {
	for i := 0; i < 20; i++ {
		res := run(t, harness.Config{Workers: 3, Mutex: true, Iterations: 5})
		if len(res.Sections) != 15 {
			t.Fatalf("run %d: %d critical sections, want 15", i, len(res.Sections))
		}
		check(t, res, map[string]func(*harness.Result) error{
			"MutualExclusion":     MutualExclusion,
			"SerializedByRequest": SerializedByRequest,
			"ClockCondition":      ClockCondition,
		})
	}
}

func TestMutexDefaultIterations(t *testing.T) {
	res := run(t, harness.Config{Workers: 2, Mutex: true})

	// Worker i loops 5*i times.
	if len(res.Sections) != 15 {
		t.Fatalf("%d critical sections, want 15", len(res.Sections))
	}
	out := res.Output[2]
	if !strings.Contains(out, "process 2 is doing 10 iteration out of 10") {
		t.Fatalf("worker 2 output:\n%s", out)
	}
	check(t, res, map[string]func(*harness.Result) error{
		"MutualExclusion": MutualExclusion,
		"Lifecycle":       Lifecycle,
	})
}

func TestMutexTieBreak(t *testing.T) {
	res := run(t, harness.Config{
		Workers:    2,
		Mutex:      true,
		Iterations: 1,
		StartClock: map[mesh.ProcessID]lamport.Timestamp{1: 20, 2: 20},
	})
	if len(res.Sections) != 2 {
		t.Fatalf("%d critical sections, want 2", len(res.Sections))
	}
	first := res.Sections[0]
	if first.ID != 1 {
		t.Fatalf("process %d won the tie, want 1 (%+v)", first.ID, res.Sections)
	}
	check(t, res, map[string]func(*harness.Result) error{
		"MutualExclusion":     MutualExclusion,
		"SerializedByRequest": SerializedByRequest,
	})
}

func TestLifecycleWithoutMutex(t *testing.T) {
	res := run(t, harness.Config{Workers: 4, Iterations: 2})
	check(t, res, map[string]func(*harness.Result) error{
		"Lifecycle":      Lifecycle,
		"ClockMonotonic": ClockMonotonic,
		"ClockCondition": ClockCondition,
	})

	// The parent hears STARTED and DONE exactly once from every worker.
	for _, typ := range []string{"STARTED", "DONE"} {
		got := res.Filter(func(ev trace.Event) bool {
			return ev.Process == mesh.Parent && ev.Kind == trace.KindRecv && ev.MsgType == typ
		})
		seen := map[mesh.ProcessID]bool{}
		for _, ev := range got {
			seen[ev.From] = true
		}
		if len(got) != 4 || len(seen) != 4 {
			t.Errorf("parent received %d %s messages from %d workers", len(got), typ, len(seen))
		}
	}
}

func TestBankRobbery(t *testing.T) {
	res := run(t, harness.Config{Workers: 3, Balances: []bank.Balance{10, 20, 30}})
	check(t, res, map[string]func(*harness.Result) error{
		"Conservation":   Conservation,
		"Lifecycle":      Lifecycle,
		"ClockCondition": ClockCondition,
	})

	// 1 pays 1 to 2, 2 pays 2 to 3, 3 pays 1 back to 1.
	want := map[mesh.ProcessID]bank.Balance{1: 10, 2: 19, 3: 31}
	for _, h := range res.History {
		last := h.States[len(h.States)-1]
		if last.Balance != want[h.ID] || last.PendingIn != 0 {
			t.Errorf("process %d ended with %+v, want balance %d", h.ID, last, want[h.ID])
		}
	}
	if !strings.Contains(res.Output[0], "transferred $2 to process 3") {
		t.Errorf("parent output:\n%s", res.Output[0])
	}
}

func TestHarnessRejectsBadConfig(t *testing.T) {
	for _, cfg := range []harness.Config{
		{Workers: 0},
		{Workers: 2, Balances: []bank.Balance{1}},
		{Workers: 1, Balances: []bank.Balance{1}, Mutex: true},
	} {
		if _, err := harness.Run(context.Background(), cfg); err == nil {
			t.Errorf("Run(%+v) should fail", cfg)
		}
	}
}
