package algorithms

import (
	"container/heap"
	"sort"

	"github.com/distcodep7/lamportmesh/lamport"
	"github.com/distcodep7/lamportmesh/mesh"
)

// Request is one pending critical-section request as seen locally.
type Request struct {
	Time lamport.Timestamp
	ID   mesh.ProcessID
}

// Less orders requests by timestamp, then by process id.
func (r Request) Less(o Request) bool {
	if r.Time != o.Time {
		return r.Time < o.Time
	}
	return r.ID < o.ID
}

type requestHeap []Request

func (h requestHeap) Len() int           { return len(h) }
func (h requestHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h requestHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x any)        { *h = append(*h, x.(Request)) }
func (h *requestHeap) Pop() any {
	old := *h
	r := old[len(old)-1]
	*h = old[:len(old)-1]
	return r
}

// RequestQueue is a min-queue of requests ordered by (Time, ID). The zero
// value is an empty queue.
type RequestQueue struct {
	h requestHeap
}

func (q *RequestQueue) Push(r Request) { heap.Push(&q.h, r) }

// Peek returns the minimum request without removing it.
func (q *RequestQueue) Peek() (Request, bool) {
	if len(q.h) == 0 {
		return Request{}, false
	}
	return q.h[0], true
}

// Pop removes and returns the minimum request.
func (q *RequestQueue) Pop() (Request, bool) {
	if len(q.h) == 0 {
		return Request{}, false
	}
	return heap.Pop(&q.h).(Request), true
}

// Remove takes out the request queued by id, wherever it sits. A process has
// at most one request outstanding.
func (q *RequestQueue) Remove(id mesh.ProcessID) (Request, bool) {
	for i, r := range q.h {
		if r.ID == id {
			return heap.Remove(&q.h, i).(Request), true
		}
	}
	return Request{}, false
}

func (q *RequestQueue) Len() int { return len(q.h) }

// Snapshot returns the queued requests in ascending order.
func (q *RequestQueue) Snapshot() []Request {
	out := append([]Request(nil), q.h...)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
