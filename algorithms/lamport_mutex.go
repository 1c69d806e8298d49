// Package algorithms holds the distributed algorithms run by the workers.
package algorithms

import (
	"context"
	"errors"
	"fmt"

	"v.io/x/lib/vlog"

	"github.com/distcodep7/lamportmesh/dsnet"
	"github.com/distcodep7/lamportmesh/lamport"
	"github.com/distcodep7/lamportmesh/mesh"
	"github.com/distcodep7/lamportmesh/trace"
)

var (
	ErrReleaseMismatch   = errors.New("mutex: release does not match queue head")
	ErrUnexpectedMessage = errors.New("mutex: unexpected message")
	ErrInvalidState      = errors.New("mutex: invalid state")
)

// Transport is what the mutex needs from the message layer. *dsnet.Node
// implements it.
type Transport interface {
	ID() mesh.ProcessID
	Size() int
	Clock() *lamport.Clock
	Send(ctx context.Context, dst mesh.ProcessID, typ dsnet.MessageType, payload []byte) (lamport.Timestamp, error)
	Broadcast(ctx context.Context, typ dsnet.MessageType, payload []byte) (lamport.Timestamp, error)
	Await(ctx context.Context) (mesh.ProcessID, dsnet.Message, error)
	Trace(kind trace.Kind, ts lamport.Timestamp)
}

type State int

const (
	Idle State = iota
	Requesting
	InCriticalSection
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Requesting:
		return "Requesting"
	case InCriticalSection:
		return "InCriticalSection"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// LamportMutex is Lamport's request/reply/release mutual exclusion among the
// workers of a group. The parent is not a contender: it receives the
// broadcasts but never replies.
//
// A request is stamped once: Enter ticks the clock, broadcasts REQUEST with
// that time and queues the same (time, self) pair every peer will queue, so
// all queues hold identical keys.
type LamportMutex struct {
	t           Transport
	queue       RequestQueue
	state       State
	request     Request
	repliesLeft int
	done        map[mesh.ProcessID]bool
}

func NewLamportMutex(t Transport) *LamportMutex {
	return &LamportMutex{t: t, done: make(map[mesh.ProcessID]bool)}
}

func (m *LamportMutex) State() State { return m.state }

// Queue returns the local request queue in ascending order.
func (m *LamportMutex) Queue() []Request { return m.queue.Snapshot() }

// workers is the number of contenders other than this process.
func (m *LamportMutex) workers() int { return m.t.Size() - 2 }

// Enter requests the critical section and returns once this process holds it,
// servicing peer traffic while it waits. It returns the request timestamp.
func (m *LamportMutex) Enter(ctx context.Context) (lamport.Timestamp, error) {
	if m.state != Idle {
		return 0, fmt.Errorf("%w: Enter while %v", ErrInvalidState, m.state)
	}
	ts, err := m.t.Broadcast(ctx, dsnet.Request, nil)
	if err != nil {
		return 0, err
	}
	m.request = Request{Time: ts, ID: m.t.ID()}
	m.queue.Push(m.request)
	m.state = Requesting
	m.repliesLeft = m.workers()
	vlog.VI(1).Infof("process %d: requested critical section at %d", m.t.ID(), ts)

	for m.repliesLeft > 0 {
		if err := m.step(ctx); err != nil {
			return 0, err
		}
	}
	// A request ordered before ours may still be in flight when the last
	// reply arrives; its sender's RELEASE must come first.
	for {
		head, _ := m.queue.Peek()
		if head.ID == m.t.ID() {
			break
		}
		if err := m.step(ctx); err != nil {
			return 0, err
		}
	}

	m.state = InCriticalSection
	m.t.Trace(trace.KindEnter, m.t.Clock().Tick())
	return ts, nil
}

// Leave releases the critical section.
func (m *LamportMutex) Leave(ctx context.Context) error {
	if m.state != InCriticalSection {
		return fmt.Errorf("%w: Leave while %v", ErrInvalidState, m.state)
	}
	m.t.Trace(trace.KindLeave, m.t.Clock().Tick())
	if _, err := m.t.Broadcast(ctx, dsnet.Release, nil); err != nil {
		return err
	}
	head, ok := m.queue.Pop()
	if !ok || head != m.request {
		return fmt.Errorf("%w: process %d left but head was %+v", ErrReleaseMismatch, m.t.ID(), head)
	}
	m.state = Idle
	return nil
}

// AwaitDone services peer traffic until every other worker has sent DONE.
func (m *LamportMutex) AwaitDone(ctx context.Context) error {
	for len(m.done) < m.workers() {
		if err := m.step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// DoneLeft is the number of other workers not yet known to be done.
func (m *LamportMutex) DoneLeft() int { return m.workers() - len(m.done) }

func (m *LamportMutex) step(ctx context.Context) error {
	from, msg, err := m.t.Await(ctx)
	if err != nil {
		return err
	}
	return m.Handle(ctx, from, msg)
}

// Handle applies one message received from a peer. The clock has already
// witnessed it.
func (m *LamportMutex) Handle(ctx context.Context, from mesh.ProcessID, msg dsnet.Message) error {
	if from == mesh.Parent || from == m.t.ID() {
		return fmt.Errorf("%w: %v from process %d", ErrUnexpectedMessage, msg.Type, from)
	}
	switch msg.Type {
	case dsnet.Request:
		m.queue.Push(Request{Time: msg.Timestamp, ID: from})
		if _, err := m.t.Send(ctx, from, dsnet.Reply, nil); err != nil {
			return err
		}
	case dsnet.Reply:
		if m.state != Requesting || m.repliesLeft == 0 {
			return fmt.Errorf("%w: REPLY from %d while %v", ErrUnexpectedMessage, from, m.state)
		}
		m.repliesLeft--
	case dsnet.Release:
		// Channels are FIFO only pairwise, so a RELEASE may be read before an
		// older one still waiting on another channel. Match it by sender.
		if _, ok := m.queue.Remove(from); !ok {
			return fmt.Errorf("%w: RELEASE from %d with no queued request (queue %v)", ErrReleaseMismatch, from, m.queue.Snapshot())
		}
	case dsnet.Done:
		if m.done[from] {
			return fmt.Errorf("%w: second DONE from %d", ErrUnexpectedMessage, from)
		}
		m.done[from] = true
	default:
		return fmt.Errorf("%w: %v from %d", ErrUnexpectedMessage, msg.Type, from)
	}
	return nil
}
