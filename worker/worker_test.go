package worker

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/distcodep7/lamportmesh/dsnet"
	"github.com/distcodep7/lamportmesh/lamport"
	"github.com/distcodep7/lamportmesh/mesh"
	"github.com/distcodep7/lamportmesh/testutils/meshtest"
)

func TestSingleWorkerLifecycle(t *testing.T) {
	nodes := meshtest.Nodes(t, 2, nil)
	ctx := meshtest.Context(t, 5*time.Second)

	var out bytes.Buffer
	var calls []int
	w := New(nodes[1], Config{
		Mutex: true,
		Out:   &out,
		Work: func(id mesh.ProcessID, req lamport.Timestamp, i, total int) {
			if req == 0 {
				t.Errorf("iteration %d ran without a request timestamp", i)
			}
			calls = append(calls, i)
		},
	})
	if err := w.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if err := meshtest.DrainUntilDone(ctx, nodes[0]); err != nil {
		t.Fatal(err)
	}

	if len(calls) != 5 {
		t.Fatalf("work ran %d times, want 5", len(calls))
	}
	for _, want := range []string{
		"process 1 is doing 5 iteration out of 5",
		"has STARTED with balance $0",
		"has DONE with balance $0",
		"received all DONE messages",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output lacks %q:\n%s", want, out.String())
		}
	}
}

func TestUnexpectedStartup(t *testing.T) {
	nodes := meshtest.Nodes(t, 3, nil)
	ctx := meshtest.Context(t, 5*time.Second)

	if _, err := nodes[2].Send(ctx, 1, dsnet.Stop, nil); err != nil {
		t.Fatal(err)
	}
	err := New(nodes[1], Config{}).Run(ctx)
	if !errors.Is(err, ErrUnexpected) {
		t.Fatalf("Run error = %v, want ErrUnexpected", err)
	}
}

func TestAccountRejectsStopFromWorker(t *testing.T) {
	nodes := meshtest.Nodes(t, 3, nil)
	ctx := meshtest.Context(t, 5*time.Second)

	if _, err := nodes[2].Announce(ctx, dsnet.Started, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := nodes[2].Send(ctx, 1, dsnet.Stop, nil); err != nil {
		t.Fatal(err)
	}
	err := New(nodes[1], Config{Bank: true, Balance: 5}).Run(ctx)
	if !errors.Is(err, ErrUnexpected) {
		t.Fatalf("Run error = %v, want ErrUnexpected", err)
	}
}

func TestRunHonorsContext(t *testing.T) {
	nodes := meshtest.Nodes(t, 3, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Worker 2 never starts, so worker 1 waits until the deadline.
	if err := New(nodes[1], Config{}).Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want DeadlineExceeded", err)
	}
}
