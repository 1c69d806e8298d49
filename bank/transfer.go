package bank

import (
	"context"
	"fmt"

	"v.io/x/lib/vlog"

	"github.com/distcodep7/lamportmesh/dsnet"
	"github.com/distcodep7/lamportmesh/lamport"
	"github.com/distcodep7/lamportmesh/mesh"
)

// Transfer log lines, printed by the parent.
const (
	TransferOutFormat = "%d: process %d transferred $%d to process %d\n"
	TransferInFormat  = "%d: process %d received $%d from process %d\n"
)

// Transport is the part of *dsnet.Node the bank uses.
type Transport interface {
	ID() mesh.ProcessID
	Clock() *lamport.Clock
	Send(ctx context.Context, dst mesh.ProcessID, typ dsnet.MessageType, payload []byte) (lamport.Timestamp, error)
	AwaitFrom(ctx context.Context, from mesh.ProcessID) (dsnet.Message, error)
}

// Transfer is run by the parent: it orders Src to pay Dst and returns once
// Dst acknowledges the money. The log callback, if set, receives the two
// transfer lines.
func Transfer(ctx context.Context, t Transport, order TransferOrder, log func(string)) error {
	if _, err := t.Send(ctx, order.Src, dsnet.Transfer, order.Marshal()); err != nil {
		return err
	}
	if log != nil {
		log(fmt.Sprintf(TransferOutFormat, t.Clock().Time(), order.Src, order.Amount, order.Dst))
	}
	msg, err := t.AwaitFrom(ctx, order.Dst)
	if err != nil {
		return err
	}
	if msg.Type != dsnet.Ack {
		return fmt.Errorf("transfer %d->%d: got %v from %d, want ACK", order.Src, order.Dst, msg.Type, order.Dst)
	}
	if log != nil {
		log(fmt.Sprintf(TransferInFormat, t.Clock().Time(), order.Dst, order.Amount, order.Src))
	}
	return nil
}

// HandleTransfer is run by a worker for a TRANSFER it received. The source
// forwards the order to the destination and is debited at the time of that
// send. The destination is credited at its receive time and acknowledges to
// the parent.
func (a *Account) HandleTransfer(ctx context.Context, t Transport, from mesh.ProcessID, msg dsnet.Message) error {
	var order TransferOrder
	if err := order.Unmarshal(msg.Payload); err != nil {
		return err
	}
	now := t.Clock().Time()

	switch a.id {
	case order.Src:
		if err := a.Touch(now); err != nil {
			return err
		}
		sent, err := t.Send(ctx, order.Dst, dsnet.Transfer, msg.Payload)
		if err != nil {
			return err
		}
		vlog.VI(1).Infof("process %d: sent $%d to %d at %d", a.id, order.Amount, order.Dst, sent)
		return a.Apply(sent, -order.Amount)

	case order.Dst:
		if err := a.Receive(msg.Timestamp, now, order.Amount); err != nil {
			return err
		}
		vlog.VI(1).Infof("process %d: received $%d from %d at %d (sent %d)", a.id, order.Amount, from, now, msg.Timestamp)
		_, err := t.Send(ctx, mesh.Parent, dsnet.Ack, nil)
		return err
	}
	return fmt.Errorf("%w: %d in %d->%d", ErrNotParty, a.id, order.Src, order.Dst)
}
