// Package controller is the parent role (process 0): it aggregates the
// lifecycle of the workers and, in bank mode, drives the transfers.
package controller

import (
	"errors"
	"fmt"
	"sort"

	"github.com/distcodep7/lamportmesh/dsnet"
	"github.com/distcodep7/lamportmesh/mesh"
)

var (
	ErrDuplicateSender = errors.New("controller: duplicate sender")
	ErrUnknownSender   = errors.New("controller: unknown sender")
	ErrUnexpected      = errors.New("controller: unexpected message")
)

// Aggregator waits for one message of a given type from each of a fixed set
// of workers.
type Aggregator struct {
	typ      dsnet.MessageType
	expected map[mesh.ProcessID]bool
	got      map[mesh.ProcessID]dsnet.Message
}

func NewAggregator(typ dsnet.MessageType, workers []mesh.ProcessID) *Aggregator {
	a := &Aggregator{
		typ:      typ,
		expected: make(map[mesh.ProcessID]bool, len(workers)),
		got:      make(map[mesh.ProcessID]dsnet.Message, len(workers)),
	}
	for _, w := range workers {
		a.expected[w] = true
	}
	return a
}

// Add counts msg from sender. It reports whether every worker has now been
// heard from. A second message from the same worker is a protocol fault.
func (a *Aggregator) Add(from mesh.ProcessID, msg dsnet.Message) (bool, error) {
	if msg.Type != a.typ {
		return a.Complete(), fmt.Errorf("%w: %v from %d while collecting %v", ErrUnexpected, msg.Type, from, a.typ)
	}
	if !a.expected[from] {
		return a.Complete(), fmt.Errorf("%w: %v from %d", ErrUnknownSender, a.typ, from)
	}
	if _, dup := a.got[from]; dup {
		return a.Complete(), fmt.Errorf("%w: second %v from %d", ErrDuplicateSender, a.typ, from)
	}
	a.got[from] = msg
	return a.Complete(), nil
}

func (a *Aggregator) Complete() bool { return len(a.got) == len(a.expected) }

func (a *Aggregator) Count() int { return len(a.got) }

// Missing lists the workers not heard from yet, in id order.
func (a *Aggregator) Missing() []mesh.ProcessID {
	var ids []mesh.ProcessID
	for id := range a.expected {
		if _, ok := a.got[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Message returns what the given worker sent.
func (a *Aggregator) Message(from mesh.ProcessID) (dsnet.Message, bool) {
	msg, ok := a.got[from]
	return msg, ok
}
