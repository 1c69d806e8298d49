// Package dsnet is the message layer on top of the pipe mesh: framed,
// Lamport-stamped messages between the processes of one group.
package dsnet

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"v.io/x/lib/vlog"

	"github.com/distcodep7/lamportmesh/lamport"
	"github.com/distcodep7/lamportmesh/mesh"
	"github.com/distcodep7/lamportmesh/trace"
)

var (
	// ErrNoData and ErrWouldBlock are transient: the caller is expected to
	// try again later.
	ErrNoData     = errors.New("dsnet: no data available")
	ErrWouldBlock = errors.New("dsnet: channel would block")

	ErrFraming         = errors.New("dsnet: framing violation")
	ErrPayloadTooLarge = errors.New("dsnet: payload too large")
	ErrPeerClosed      = errors.New("dsnet: peer closed channel")
	ErrSelf            = errors.New("dsnet: self-addressed message")
)

// Node is one process's view of the group: its endpoint table, its Lamport
// clock and an optional event trace. A Node is not safe for concurrent use;
// each participant drives its own.
type Node struct {
	table    *mesh.Table
	clock    *lamport.Clock
	trace    *trace.Stream
	rec      trace.Recorder
	lastFrom mesh.ProcessID
	eof      map[mesh.ProcessID]bool
}

type Option func(*Node)

// WithClock replaces the node's clock, e.g. to start from a preset time.
func WithClock(c *lamport.Clock) Option {
	return func(n *Node) { n.clock = c }
}

// WithRecorder traces every send, receive and critical-section event.
func WithRecorder(r trace.Recorder) Option {
	return func(n *Node) { n.rec = r }
}

func NewNode(table *mesh.Table, opts ...Option) *Node {
	n := &Node{
		table:    table,
		clock:    &lamport.Clock{},
		lastFrom: -1,
		eof:      make(map[mesh.ProcessID]bool),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.trace = trace.NewStream(table.Self(), n.rec)
	return n
}

func (n *Node) ID() mesh.ProcessID { return n.table.Self() }

// Size is the number of processes in the group, parent included.
func (n *Node) Size() int { return n.table.Size() }

func (n *Node) Clock() *lamport.Clock { return n.clock }

// Peers returns every other process in increasing id order.
func (n *Node) Peers() []mesh.ProcessID { return n.table.Peers() }

// Workers returns every worker other than this node.
func (n *Node) Workers() []mesh.ProcessID {
	var ws []mesh.ProcessID
	for _, p := range n.table.Peers() {
		if p != mesh.Parent {
			ws = append(ws, p)
		}
	}
	return ws
}

// LastFrom is the sender of the most recent message returned by ReceiveAny
// or Await, or -1 before the first one.
func (n *Node) LastFrom() mesh.ProcessID { return n.lastFrom }

// Trace records a local event such as entering the critical section.
func (n *Node) Trace(kind trace.Kind, ts lamport.Timestamp) {
	n.trace.Emit(kind, "", n.ID(), n.ID(), ts, nil)
}

// Close releases the node's descriptors.
func (n *Node) Close() error {
	if f, ok := n.rec.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			vlog.Errorf("process %d: flush trace: %v", n.ID(), err)
		}
	}
	return n.table.Close()
}

// Receive makes one attempt to read a message from the channel from->self.
// It returns ErrNoData when the channel is empty.
func (n *Node) Receive(from mesh.ProcessID) (Message, error) {
	ep, err := n.endpoint(from)
	if err != nil {
		return Message{}, err
	}
	msg, err := readFrame(ep.ReadFD)
	if err != nil {
		if errors.Is(err, ErrPeerClosed) {
			n.eof[from] = true
		}
		if errors.Is(err, ErrNoData) || errors.Is(err, ErrPeerClosed) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("receive from %d: %w", from, err)
	}
	n.consumed(from, msg)
	return msg, nil
}

func (n *Node) consumed(from mesh.ProcessID, msg Message) {
	now := n.clock.Witness(msg.Timestamp)
	n.trace.Emit(trace.KindRecv, msg.Type.String(), from, n.ID(), now, msg.Payload)
	vlog.VI(2).Infof("process %d: %v from %d (ts %d, clock %d)", n.ID(), msg.Type, from, msg.Timestamp, now)
}

// ReceiveAny tries every open peer channel in increasing id order and returns
// the first message found. It returns ErrNoData if nothing is available and
// ErrPeerClosed once every peer has closed its end.
func (n *Node) ReceiveAny() (mesh.ProcessID, Message, error) {
	open := 0
	for _, p := range n.table.Peers() {
		if n.eof[p] {
			continue
		}
		msg, err := n.Receive(p)
		switch {
		case err == nil:
			n.lastFrom = p
			return p, msg, nil
		case errors.Is(err, ErrNoData):
			open++
		case errors.Is(err, ErrPeerClosed):
		default:
			return p, Message{}, err
		}
	}
	if open == 0 {
		return -1, Message{}, ErrPeerClosed
	}
	return -1, Message{}, ErrNoData
}

// Await blocks until some peer has a message and returns it, choosing the
// lowest ready peer id like ReceiveAny.
func (n *Node) Await(ctx context.Context) (mesh.ProcessID, Message, error) {
	for {
		from, msg, err := n.ReceiveAny()
		if !errors.Is(err, ErrNoData) {
			return from, msg, err
		}
		var fds []unix.PollFd
		for _, p := range n.table.Peers() {
			if n.eof[p] {
				continue
			}
			ep, err := n.table.Endpoint(p)
			if err != nil {
				return -1, Message{}, err
			}
			fds = append(fds, unix.PollFd{Fd: int32(ep.ReadFD), Events: unix.POLLIN})
		}
		if err := poll(ctx, fds); err != nil {
			return -1, Message{}, err
		}
	}
}

// AwaitFrom blocks until a message from the given peer arrives.
func (n *Node) AwaitFrom(ctx context.Context, from mesh.ProcessID) (Message, error) {
	ep, err := n.endpoint(from)
	if err != nil {
		return Message{}, err
	}
	fds := []unix.PollFd{{Fd: int32(ep.ReadFD), Events: unix.POLLIN}}
	for {
		msg, err := n.Receive(from)
		if !errors.Is(err, ErrNoData) {
			if err == nil {
				n.lastFrom = from
			}
			return msg, err
		}
		if err := poll(ctx, fds); err != nil {
			return Message{}, err
		}
	}
}

func (n *Node) endpoint(peer mesh.ProcessID) (mesh.Endpoint, error) {
	ep, err := n.table.Endpoint(peer)
	if errors.Is(err, mesh.ErrSelf) {
		return mesh.Endpoint{}, fmt.Errorf("%w: process %d", ErrSelf, peer)
	}
	return ep, err
}
