// Package harness runs a whole group in one process, every participant on
// its own goroutine over real pipes, and keeps what happened for analysis.
package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"v.io/x/lib/vlog"

	"github.com/distcodep7/lamportmesh/bank"
	"github.com/distcodep7/lamportmesh/controller"
	"github.com/distcodep7/lamportmesh/dsnet"
	"github.com/distcodep7/lamportmesh/lamport"
	"github.com/distcodep7/lamportmesh/mesh"
	"github.com/distcodep7/lamportmesh/testutils"
	"github.com/distcodep7/lamportmesh/trace"
	"github.com/distcodep7/lamportmesh/worker"
)

type Config struct {
	Workers    int
	Mutex      bool
	Iterations int // per worker; 0 keeps the 5*id default

	// Balances switches to bank mode, one initial balance per worker.
	Balances []bank.Balance

	// StartClock presets the Lamport clock of some processes.
	StartClock map[mesh.ProcessID]lamport.Timestamp

	// Hold is how long each loop iteration occupies the shared resource.
	Hold time.Duration
}

// Result is everything observed during a run.
type Result struct {
	Workers  int
	Trace    []trace.Event
	Sections []testutils.Entry
	Overlaps int
	History  bank.AllHistory
	Output   map[mesh.ProcessID]string
}

func (c Config) validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("harness: need at least one worker, got %d", c.Workers)
	}
	if len(c.Balances) > 0 && len(c.Balances) != c.Workers {
		return fmt.Errorf("harness: %d balances for %d workers", len(c.Balances), c.Workers)
	}
	if len(c.Balances) > 0 && c.Mutex {
		return errors.New("harness: bank mode does not use the mutex")
	}
	return nil
}

// Run executes one group to completion. The first failing participant
// cancels the others.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	tables, err := mesh.Build(cfg.Workers + 1)
	if err != nil {
		return nil, err
	}

	rec := trace.NewMemoryRecorder()
	nodes := make([]*dsnet.Node, len(tables))
	for i, tbl := range tables {
		opts := []dsnet.Option{dsnet.WithRecorder(rec)}
		if start, ok := cfg.StartClock[mesh.ProcessID(i)]; ok {
			opts = append(opts, dsnet.WithClock(lamport.NewClock(start)))
		}
		nodes[i] = dsnet.NewNode(tbl, opts...)
	}
	defer func() {
		for _, n := range nodes {
			n.Close()
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bankMode := len(cfg.Balances) > 0
	cs := &testutils.CriticalSection{}
	outputs := make([]bytes.Buffer, len(nodes))
	errs := make([]error, len(nodes))
	var history bank.AllHistory

	var wg sync.WaitGroup
	wg.Add(len(nodes))
	go func() {
		defer wg.Done()
		history, errs[0] = controller.NewParent(nodes[0], &outputs[0], bankMode).Run(ctx)
		if errs[0] != nil {
			cancel()
		}
	}()
	for i := 1; i < len(nodes); i++ {
		wcfg := worker.Config{
			Iterations: cfg.Iterations,
			Mutex:      cfg.Mutex,
			Bank:       bankMode,
			Out:        &outputs[i],
			Work: func(id mesh.ProcessID, req lamport.Timestamp, _, _ int) {
				cs.Work(id, req, cfg.Hold, nil)
			},
		}
		if bankMode {
			wcfg.Balance = cfg.Balances[i-1]
		}
		go func() {
			defer wg.Done()
			if errs[i] = worker.New(nodes[i], wcfg).Run(ctx); errs[i] != nil {
				vlog.Errorf("process %d: %v", i, errs[i])
				cancel()
			}
		}()
	}
	wg.Wait()

	res := &Result{
		Workers:  cfg.Workers,
		Trace:    rec.Events(),
		Sections: cs.Entries(),
		Overlaps: cs.Overlaps(),
		History:  history,
		Output:   make(map[mesh.ProcessID]string, len(nodes)),
	}
	for i := range outputs {
		res.Output[mesh.ProcessID(i)] = outputs[i].String()
	}
	return res, errors.Join(errs...)
}

// Filter returns the trace events matching pred.
func (r *Result) Filter(pred func(trace.Event) bool) []trace.Event {
	var out []trace.Event
	for _, ev := range r.Trace {
		if pred(ev) {
			out = append(out, ev)
		}
	}
	return out
}
