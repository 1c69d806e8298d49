package testutils

import (
	"sync"
	"testing"
	"time"

	"github.com/distcodep7/lamportmesh/mesh"
)

func TestCriticalSection(t *testing.T) {
	cs := &CriticalSection{}
	var wg sync.WaitGroup
	wg.Add(3)

	for _, id := range []mesh.ProcessID{1, 2, 3} {
		go func() {
			defer wg.Done()
			cs.Work(id, 1, 100*time.Millisecond, nil)
		}()
	}

	wg.Wait()
	if cs.Value() != 3 {
		t.Fatalf("Value = %d, want 3", cs.Value())
	}
	if cs.Overlaps() == 0 {
		t.Fatal("concurrent unguarded visits were not detected")
	}
}

func TestCriticalSectionSequential(t *testing.T) {
	cs := &CriticalSection{}
	for _, id := range []mesh.ProcessID{2, 1} {
		cs.Work(id, 4, 0, nil)
	}
	entries := cs.Entries()
	if cs.Overlaps() != 0 || len(entries) != 2 || entries[0].ID != 2 {
		t.Fatalf("entries = %+v, overlaps = %d", entries, cs.Overlaps())
	}
}
