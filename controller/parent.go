package controller

import (
	"context"
	"fmt"
	"io"

	"v.io/x/lib/vlog"

	"github.com/distcodep7/lamportmesh/bank"
	"github.com/distcodep7/lamportmesh/dsnet"
)

// Parent runs process 0. It never contends for the critical section; mutex
// traffic it receives only advances its clock.
type Parent struct {
	node *dsnet.Node
	out  io.Writer
	bank bool

	started   *Aggregator
	done      *Aggregator
	histories *Aggregator
}

// NewParent prepares the parent role. Lifecycle lines go to out. With
// bankMode the parent runs the transfer demo between STARTED and DONE and
// collects every account history at the end.
func NewParent(node *dsnet.Node, out io.Writer, bankMode bool) *Parent {
	workers := node.Workers()
	return &Parent{
		node:      node,
		out:       out,
		bank:      bankMode,
		started:   NewAggregator(dsnet.Started, workers),
		done:      NewAggregator(dsnet.Done, workers),
		histories: NewAggregator(dsnet.BalanceHistory, workers),
	}
}

// Run drives the whole lifecycle. In bank mode it returns the collected
// histories.
func (p *Parent) Run(ctx context.Context) (bank.AllHistory, error) {
	if err := p.await(ctx, p.started); err != nil {
		return nil, err
	}
	p.printf(dsnet.ReceivedStartedFormat, p.node.Clock().Time(), p.node.ID())

	if p.bank {
		for _, order := range bank.Robbery(len(p.node.Workers())) {
			if err := bank.Transfer(ctx, p.node, order, func(s string) { p.printf("%s", s) }); err != nil {
				return nil, err
			}
		}
		if _, err := p.node.Broadcast(ctx, dsnet.Stop, nil); err != nil {
			return nil, err
		}
	}

	if err := p.await(ctx, p.done); err != nil {
		return nil, err
	}
	p.printf(dsnet.ReceivedDoneFormat, p.node.Clock().Time(), p.node.ID())

	if !p.bank {
		return nil, nil
	}
	if err := p.await(ctx, p.histories); err != nil {
		return nil, err
	}
	all := make(bank.AllHistory, 0, len(p.node.Workers()))
	for _, w := range p.node.Workers() {
		msg, _ := p.histories.Message(w)
		var h bank.BalanceHistory
		if err := h.Unmarshal(msg.Payload); err != nil {
			return nil, fmt.Errorf("history of process %d: %w", w, err)
		}
		if h.ID != w {
			return nil, fmt.Errorf("%w: process %d sent the history of %d", ErrUnexpected, w, h.ID)
		}
		all = append(all, h)
	}
	return all, nil
}

// await consumes messages until target is complete. Lifecycle messages for
// the other aggregators are counted as they come, since workers do not wait
// for the parent before moving on.
func (p *Parent) await(ctx context.Context, target *Aggregator) error {
	for !target.Complete() {
		from, msg, err := p.node.Await(ctx)
		if err != nil {
			return fmt.Errorf("waiting for %v from %v: %w", target.typ, target.Missing(), err)
		}
		switch msg.Type {
		case dsnet.Started:
			_, err = p.started.Add(from, msg)
		case dsnet.Done:
			_, err = p.done.Add(from, msg)
			if err == nil {
				vlog.VI(1).Infof("parent: %d of %d workers done", p.done.Count(), len(p.done.expected))
			}
		case dsnet.BalanceHistory:
			_, err = p.histories.Add(from, msg)
		case dsnet.Request, dsnet.Release:
		default:
			err = fmt.Errorf("%w: %v from %d", ErrUnexpected, msg.Type, from)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Parent) printf(format string, args ...any) {
	if p.out == nil {
		return
	}
	fmt.Fprintf(p.out, format, args...)
}
