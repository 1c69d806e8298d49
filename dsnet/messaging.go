package dsnet

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/distcodep7/lamportmesh/lamport"
	"github.com/distcodep7/lamportmesh/mesh"
	"github.com/distcodep7/lamportmesh/trace"
)

// Lifecycle status lines carried by STARTED and DONE.
const (
	StartedFormat         = "%d: process %d (pid %d, parent %d) has STARTED with balance $%d\n"
	DoneFormat            = "%d: process %d has DONE with balance $%d\n"
	ReceivedStartedFormat = "%d: process %d received all STARTED messages\n"
	ReceivedDoneFormat    = "%d: process %d received all DONE messages\n"
)

func check(typ MessageType, payload []byte) error {
	if !typ.Valid() {
		return fmt.Errorf("%w: unknown type %d", ErrFraming, typ)
	}
	if len(payload) > MaxPayloadLen {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	return nil
}

// TrySend makes one attempt to deliver a message to dst. ErrWouldBlock means
// the channel is full; the clock only advances when the frame is written, so
// retrying does not inflate it.
func (n *Node) TrySend(dst mesh.ProcessID, typ MessageType, payload []byte) (lamport.Timestamp, error) {
	ep, frame, ts, err := n.prepare(dst, typ, payload)
	if err != nil {
		return 0, err
	}
	if err := writeFrame(ep.WriteFD, frame); err != nil {
		return 0, err
	}
	n.sent(dst, typ, ts, payload)
	return ts, nil
}

// Send delivers a message to dst, waiting for room in the channel as long as
// it takes. Only ctx ends the wait.
func (n *Node) Send(ctx context.Context, dst mesh.ProcessID, typ MessageType, payload []byte) (lamport.Timestamp, error) {
	ep, frame, ts, err := n.prepare(dst, typ, payload)
	if err != nil {
		return 0, err
	}
	if err := writeAll(ctx, ep.WriteFD, frame); err != nil {
		return 0, fmt.Errorf("send %v to %d: %w", typ, dst, err)
	}
	n.sent(dst, typ, ts, payload)
	return ts, nil
}

// prepare stamps a frame with the time the send will have once it succeeds.
func (n *Node) prepare(dst mesh.ProcessID, typ MessageType, payload []byte) (mesh.Endpoint, []byte, lamport.Timestamp, error) {
	ep, err := n.endpoint(dst)
	if err != nil {
		return mesh.Endpoint{}, nil, 0, err
	}
	if err := check(typ, payload); err != nil {
		return mesh.Endpoint{}, nil, 0, err
	}
	ts := n.clock.Time() + 1
	frame, err := Encode(Message{Type: typ, Timestamp: ts, Payload: payload})
	if err != nil {
		return mesh.Endpoint{}, nil, 0, err
	}
	return ep, frame, ts, nil
}

func (n *Node) sent(dst mesh.ProcessID, typ MessageType, ts lamport.Timestamp, payload []byte) {
	n.clock.Tick()
	n.trace.Emit(trace.KindSend, typ.String(), n.ID(), dst, ts, payload)
}

// Broadcast stamps one message and delivers it to every peer, parent
// included, retrying each destination until it succeeds.
func (n *Node) Broadcast(ctx context.Context, typ MessageType, payload []byte) (lamport.Timestamp, error) {
	if err := check(typ, payload); err != nil {
		return 0, err
	}
	ts := n.clock.Tick()
	return ts, n.broadcastAt(ctx, ts, typ, payload)
}

func (n *Node) broadcastAt(ctx context.Context, ts lamport.Timestamp, typ MessageType, payload []byte) error {
	frame, err := Encode(Message{Type: typ, Timestamp: ts, Payload: payload})
	if err != nil {
		return err
	}
	for _, p := range n.table.Peers() {
		ep, err := n.table.Endpoint(p)
		if err != nil {
			return err
		}
		if err := writeAll(ctx, ep.WriteFD, frame); err != nil {
			return fmt.Errorf("broadcast %v to %d: %w", typ, p, err)
		}
	}
	n.trace.Emit(trace.KindSend, typ.String(), n.ID(), trace.Everyone, ts, payload)
	return nil
}

// Announce broadcasts a STARTED or DONE status line stamped with the time of
// the broadcast itself, and returns that line.
func (n *Node) Announce(ctx context.Context, typ MessageType, balance int64) (string, error) {
	ts := n.clock.Tick()
	var text string
	switch typ {
	case Started:
		text = fmt.Sprintf(StartedFormat, ts, n.ID(), os.Getpid(), os.Getppid(), balance)
	case Done:
		text = fmt.Sprintf(DoneFormat, ts, n.ID(), balance)
	default:
		return "", fmt.Errorf("announce %v: not a lifecycle message", typ)
	}
	return text, n.broadcastAt(ctx, ts, typ, []byte(text))
}

func writeAll(ctx context.Context, fd int, frame []byte) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		err := writeFrame(fd, frame)
		if !errors.Is(err, ErrWouldBlock) {
			return err
		}
		if err := poll(ctx, fds); err != nil {
			return err
		}
	}
}
