// Package worker is the role run by processes 1..N-1.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"v.io/x/lib/vlog"

	"github.com/distcodep7/lamportmesh/algorithms"
	"github.com/distcodep7/lamportmesh/bank"
	"github.com/distcodep7/lamportmesh/dsnet"
	"github.com/distcodep7/lamportmesh/lamport"
	"github.com/distcodep7/lamportmesh/mesh"
)

// LoopFormat is printed once per loop iteration.
const LoopFormat = "process %d is doing %d iteration out of %d\n"

var ErrUnexpected = errors.New("worker: unexpected message")

// WorkFunc runs inside every loop iteration, within the critical section when
// the mutex is enabled. req is the timestamp of the request that granted it,
// or 0 without the mutex.
type WorkFunc func(id mesh.ProcessID, req lamport.Timestamp, iteration, total int)

type Config struct {
	// Iterations of the work loop; 0 means 5 times the process id.
	Iterations int
	Mutex      bool

	// Bank runs the account loop instead of the work loop.
	Bank    bool
	Balance bank.Balance

	// Out receives the event lines. Nil discards them.
	Out  io.Writer
	Work WorkFunc
}

type Worker struct {
	node *dsnet.Node
	cfg  Config
}

func New(node *dsnet.Node, cfg Config) *Worker {
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	return &Worker{node: node, cfg: cfg}
}

// Run plays the whole life of the worker.
func (w *Worker) Run(ctx context.Context) error {
	balance := bank.Balance(0)
	if w.cfg.Bank {
		balance = w.cfg.Balance
	}
	text, err := w.node.Announce(ctx, dsnet.Started, int64(balance))
	if err != nil {
		return err
	}
	fmt.Fprint(w.cfg.Out, text)

	if w.cfg.Bank {
		return w.runAccount(ctx)
	}
	if err := w.awaitAll(ctx, dsnet.Started); err != nil {
		return err
	}
	fmt.Fprintf(w.cfg.Out, dsnet.ReceivedStartedFormat, w.node.Clock().Time(), w.node.ID())
	return w.runLoop(ctx)
}

// awaitAll takes one message of the given type from every other worker, in
// id order.
func (w *Worker) awaitAll(ctx context.Context, typ dsnet.MessageType) error {
	for _, p := range w.node.Workers() {
		msg, err := w.node.AwaitFrom(ctx, p)
		if err != nil {
			return err
		}
		if msg.Type != typ {
			return fmt.Errorf("%w: %v from %d, want %v", ErrUnexpected, msg.Type, p, typ)
		}
	}
	return nil
}

func (w *Worker) iterations() int {
	if w.cfg.Iterations > 0 {
		return w.cfg.Iterations
	}
	return int(w.node.ID()) * 5
}

func (w *Worker) runLoop(ctx context.Context) error {
	id := w.node.ID()
	mutex := algorithms.NewLamportMutex(w.node)
	total := w.iterations()

	for i := 1; i <= total; i++ {
		var req lamport.Timestamp
		if w.cfg.Mutex {
			var err error
			if req, err = mutex.Enter(ctx); err != nil {
				return fmt.Errorf("process %d iteration %d: %w", id, i, err)
			}
		}
		fmt.Fprintf(w.cfg.Out, LoopFormat, id, i, total)
		if w.cfg.Work != nil {
			w.cfg.Work(id, req, i, total)
		}
		if w.cfg.Mutex {
			if err := mutex.Leave(ctx); err != nil {
				return fmt.Errorf("process %d iteration %d: %w", id, i, err)
			}
		}
	}

	text, err := w.node.Announce(ctx, dsnet.Done, 0)
	if err != nil {
		return err
	}
	fmt.Fprint(w.cfg.Out, text)

	// Peers may still need our replies until they are done too.
	if err := mutex.AwaitDone(ctx); err != nil {
		return err
	}
	fmt.Fprintf(w.cfg.Out, dsnet.ReceivedDoneFormat, w.node.Clock().Time(), id)
	vlog.VI(1).Infof("process %d: finished %d iterations", id, total)
	return nil
}

// runAccount serves transfers until the parent says STOP and every other
// worker is done, then reports the balance history to the parent.
func (w *Worker) runAccount(ctx context.Context) error {
	id := w.node.ID()
	account := bank.NewAccount(id, w.cfg.Balance)

	if err := w.awaitAll(ctx, dsnet.Started); err != nil {
		return err
	}
	fmt.Fprintf(w.cfg.Out, dsnet.ReceivedStartedFormat, w.node.Clock().Time(), id)

	stopped := false
	done := make(map[mesh.ProcessID]bool)
	for !stopped || len(done) < len(w.node.Workers()) {
		from, msg, err := w.node.Await(ctx)
		if err != nil {
			return err
		}
		now := w.node.Clock().Time()
		switch {
		case msg.Type == dsnet.Transfer:
			err = account.HandleTransfer(ctx, w.node, from, msg)
		case msg.Type == dsnet.Stop && from == mesh.Parent && !stopped:
			stopped = true
			if err = account.Touch(now); err != nil {
				break
			}
			var text string
			if text, err = w.node.Announce(ctx, dsnet.Done, int64(account.Balance())); err == nil {
				fmt.Fprint(w.cfg.Out, text)
			}
		case msg.Type == dsnet.Done && from != mesh.Parent && !done[from]:
			done[from] = true
			err = account.Touch(now)
		default:
			err = fmt.Errorf("%w: %v from %d", ErrUnexpected, msg.Type, from)
		}
		if err != nil {
			return fmt.Errorf("process %d: %w", id, err)
		}
	}
	fmt.Fprintf(w.cfg.Out, dsnet.ReceivedDoneFormat, w.node.Clock().Time(), id)

	if err := account.Touch(w.node.Clock().Tick()); err != nil {
		return err
	}
	payload, err := account.History().Marshal()
	if err != nil {
		return err
	}
	_, err = w.node.Send(ctx, mesh.Parent, dsnet.BalanceHistory, payload)
	return err
}
