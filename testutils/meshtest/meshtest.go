// Package meshtest builds pipe meshes of nodes for tests.
package meshtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/distcodep7/lamportmesh/dsnet"
	"github.com/distcodep7/lamportmesh/mesh"
)

// Nodes builds a mesh of n processes and wraps every table in a node. The
// option lists are applied per process id; missing entries get defaults.
func Nodes(t *testing.T, n int, opts map[mesh.ProcessID][]dsnet.Option) []*dsnet.Node {
	t.Helper()
	tables, err := mesh.Build(n)
	if err != nil {
		t.Fatalf("mesh.Build(%d): %v", n, err)
	}
	nodes := make([]*dsnet.Node, n)
	for i, tbl := range tables {
		nodes[i] = dsnet.NewNode(tbl, opts[mesh.ProcessID(i)]...)
	}
	t.Cleanup(func() {
		for _, nd := range nodes {
			nd.Close()
		}
	})
	return nodes
}

// Context returns a context that ends the test's waits after timeout.
func Context(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// DrainUntilDone plays a passive parent: it consumes everything the workers
// send until each of them has sent DONE.
func DrainUntilDone(ctx context.Context, parent *dsnet.Node) error {
	done := make(map[mesh.ProcessID]bool)
	for len(done) < parent.Size()-1 {
		from, msg, err := parent.Await(ctx)
		if err != nil {
			return err
		}
		if msg.Type == dsnet.Done {
			if done[from] {
				return errors.New("duplicate DONE")
			}
			done[from] = true
		}
	}
	return nil
}
