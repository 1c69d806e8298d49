package controller

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/distcodep7/lamportmesh/dsnet"
	"github.com/distcodep7/lamportmesh/mesh"
	"github.com/distcodep7/lamportmesh/testutils/meshtest"
)

func TestAggregatorDistinctSenders(t *testing.T) {
	a := NewAggregator(dsnet.Started, []mesh.ProcessID{1, 2, 3})
	started := dsnet.Message{Type: dsnet.Started}

	steps := []struct {
		from     mesh.ProcessID
		msg      dsnet.Message
		complete bool
		err      error
	}{
		{2, started, false, nil},
		{2, started, false, ErrDuplicateSender},
		{0, started, false, ErrUnknownSender},
		{1, dsnet.Message{Type: dsnet.Done}, false, ErrUnexpected},
		{1, started, false, nil},
		{3, started, true, nil},
	}
	for i, s := range steps {
		complete, err := a.Add(s.from, s.msg)
		if complete != s.complete || !errors.Is(err, s.err) {
			t.Fatalf("step %d: Add(%d) = %v, %v; want %v, %v", i, s.from, complete, err, s.complete, s.err)
		}
		if i == 4 {
			if m := a.Missing(); len(m) != 1 || m[0] != 3 {
				t.Fatalf("Missing = %v, want [3]", m)
			}
		}
	}
	if a.Count() != 3 {
		t.Fatalf("Count = %d", a.Count())
	}
}

// The parent reports all STARTED only after every worker has started, even
// when DONE messages overtake the last STARTED.
func TestParentWaitsForEveryWorker(t *testing.T) {
	nodes := meshtest.Nodes(t, 4, nil)
	ctx := meshtest.Context(t, 5*time.Second)

	var out bytes.Buffer
	errc := make(chan error, 1)
	go func() {
		_, err := NewParent(nodes[0], &out, false).Run(ctx)
		errc <- err
	}()

	for _, id := range []mesh.ProcessID{1, 2} {
		if _, err := nodes[id].Announce(ctx, dsnet.Started, 0); err != nil {
			t.Fatal(err)
		}
		if _, err := nodes[id].Announce(ctx, dsnet.Done, 0); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case err := <-errc:
		t.Fatalf("parent finished before worker 3 started: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	if strings.Contains(out.String(), "STARTED") {
		t.Fatalf("parent reported early:\n%s", out.String())
	}

	for _, typ := range []dsnet.MessageType{dsnet.Started, dsnet.Done} {
		if _, err := nodes[3].Announce(ctx, typ, 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "received all STARTED") || !strings.Contains(got, "received all DONE") {
		t.Fatalf("parent output:\n%s", got)
	}
}

func TestParentRejectsDuplicateDone(t *testing.T) {
	nodes := meshtest.Nodes(t, 3, nil)
	ctx := meshtest.Context(t, 5*time.Second)

	for _, typ := range []dsnet.MessageType{dsnet.Started, dsnet.Done, dsnet.Done} {
		if _, err := nodes[1].Announce(ctx, typ, 0); err != nil {
			t.Fatal(err)
		}
	}
	_, err := NewParent(nodes[0], nil, false).Run(ctx)
	if !errors.Is(err, ErrDuplicateSender) {
		t.Fatalf("Run error = %v, want ErrDuplicateSender", err)
	}
}
