// Package mesh builds the channel fabric: one directed, non-blocking OS pipe
// for every ordered pair of processes in a fixed group.
//
// Process i reaches peer j through the endpoint stored at index j if j < i
// and j-1 otherwise, since a process has no channel to itself.
package mesh

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// ProcessID is the logical id of a participant, 0..N-1.
type ProcessID int

// Parent is the id reserved for the coordinating process.
const Parent ProcessID = 0

var (
	ErrSetup       = errors.New("mesh: setup failed")
	ErrSelf        = errors.New("mesh: no channel to self")
	ErrUnknownPeer = errors.New("mesh: unknown peer")
	ErrClosed      = errors.New("mesh: table closed")
)

// Endpoint holds the two pipe ends a process uses to talk to one peer.
type Endpoint struct {
	Peer    ProcessID
	ReadFD  int // channel Peer -> self
	WriteFD int // channel self -> Peer
}

// Table is the endpoint table owned by one process.
type Table struct {
	self   ProcessID
	size   int
	ends   []Endpoint
	closed bool
}

func newTable(self ProcessID, size int) *Table {
	t := &Table{self: self, size: size, ends: make([]Endpoint, size-1)}
	for i := range t.ends {
		peer := ProcessID(i)
		if peer >= self {
			peer++
		}
		t.ends[i] = Endpoint{Peer: peer, ReadFD: -1, WriteFD: -1}
	}
	return t
}

func index(dst, self ProcessID) int {
	if dst < self {
		return int(dst)
	}
	return int(dst) - 1
}

// Build creates the full mesh for n processes and returns one table per
// process, indexed by ProcessID. A fabric that cannot be built completely is
// torn down and reported as ErrSetup.
func Build(n int) ([]*Table, error) {
	if n < 2 {
		return nil, fmt.Errorf("%w: need at least 2 processes, got %d", ErrSetup, n)
	}

	tables := make([]*Table, n)
	for i := range tables {
		tables[i] = newTable(ProcessID(i), n)
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			src, dst := ProcessID(i), ProcessID(j)
			r, w, err := newPipe()
			if err != nil {
				for _, t := range tables {
					t.Close()
				}
				return nil, fmt.Errorf("%w: channel %d->%d: %v", ErrSetup, src, dst, err)
			}
			tables[src].ends[index(dst, src)].WriteFD = w
			tables[dst].ends[index(src, dst)].ReadFD = r
		}
	}
	return tables, nil
}

func newPipe() (r, w int, err error) {
	var p [2]int

	// Same dance as os.Pipe: hold ForkLock so a concurrent exec cannot
	// inherit the descriptors before they are marked close-on-exec.
	syscall.ForkLock.RLock()
	err = unix.Pipe(p[:])
	if err == nil {
		unix.CloseOnExec(p[0])
		unix.CloseOnExec(p[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return -1, -1, err
	}

	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return -1, -1, fmt.Errorf("set non-blocking: %w", err)
		}
	}
	return p[0], p[1], nil
}

// Attach rebuilds the table of process self from descriptors inherited from
// the parent, starting at firstFD in the order produced by Detach.
func Attach(self ProcessID, n int, firstFD int) (*Table, error) {
	if n < 2 || self < 0 || int(self) >= n {
		return nil, fmt.Errorf("%w: process %d of %d", ErrSetup, self, n)
	}
	t := newTable(self, n)
	fd := firstFD
	for i := range t.ends {
		t.ends[i].ReadFD = fd
		t.ends[i].WriteFD = fd + 1
		fd += 2
	}
	// Inheritance through exec leaves the descriptors in blocking mode.
	for _, ep := range t.ends {
		for _, fd := range []int{ep.ReadFD, ep.WriteFD} {
			if err := unix.SetNonblock(fd, true); err != nil {
				t.Close()
				return nil, fmt.Errorf("%w: fd %d: %v", ErrSetup, fd, err)
			}
		}
	}
	return t, nil
}

// Self returns the id of the owning process.
func (t *Table) Self() ProcessID { return t.self }

// Size returns the number of processes in the group.
func (t *Table) Size() int { return t.size }

// Peers returns every other process id in increasing order.
func (t *Table) Peers() []ProcessID {
	peers := make([]ProcessID, len(t.ends))
	for i, ep := range t.ends {
		peers[i] = ep.Peer
	}
	return peers
}

// Index translates a peer id into its slot in the endpoint table.
func (t *Table) Index(dst ProcessID) (int, error) {
	if dst == t.self {
		return -1, ErrSelf
	}
	if dst < 0 || int(dst) >= t.size {
		return -1, fmt.Errorf("%w: %d", ErrUnknownPeer, dst)
	}
	return index(dst, t.self), nil
}

// Endpoint returns the pipe ends connecting this process with dst.
func (t *Table) Endpoint(dst ProcessID) (Endpoint, error) {
	if t.closed {
		return Endpoint{}, ErrClosed
	}
	i, err := t.Index(dst)
	if err != nil {
		return Endpoint{}, err
	}
	return t.ends[i], nil
}

// Detach hands the descriptors over to *os.File values in table order
// (read end, then write end, per peer) so they can be passed to a child
// process. The table no longer owns them afterwards.
func (t *Table) Detach() ([]*os.File, error) {
	if t.closed {
		return nil, ErrClosed
	}
	files := make([]*os.File, 0, 2*len(t.ends))
	for _, ep := range t.ends {
		files = append(files,
			os.NewFile(uintptr(ep.ReadFD), fmt.Sprintf("mesh-%d<-%d", t.self, ep.Peer)),
			os.NewFile(uintptr(ep.WriteFD), fmt.Sprintf("mesh-%d->%d", t.self, ep.Peer)))
	}
	t.closed = true
	return files, nil
}

// Close releases every descriptor the table still owns. It is safe to call
// more than once.
func (t *Table) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	var errs []error
	for i, ep := range t.ends {
		for _, fd := range []int{ep.ReadFD, ep.WriteFD} {
			if fd < 0 {
				continue
			}
			if err := unix.Close(fd); err != nil {
				errs = append(errs, fmt.Errorf("close fd %d: %w", fd, err))
			}
		}
		t.ends[i].ReadFD, t.ends[i].WriteFD = -1, -1
	}
	return errors.Join(errs...)
}

// Release closes every table in all except keep, leaving the calling process
// with only its own endpoints.
func Release(keep *Table, all []*Table) error {
	var errs []error
	for _, t := range all {
		if t == keep {
			continue
		}
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// String lists the endpoints as P<peer>|R<fd>|W<fd>.
func (t *Table) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "process %d pipes:", t.self)
	for _, ep := range t.ends {
		fmt.Fprintf(&b, " P%d|R%d|W%d", ep.Peer, ep.ReadFD, ep.WriteFD)
	}
	return b.String()
}
