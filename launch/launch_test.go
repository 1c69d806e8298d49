package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/distcodep7/lamportmesh/bank"
	"github.com/distcodep7/lamportmesh/dsnet"
	"github.com/distcodep7/lamportmesh/mesh"
)

// TestMain lets the test binary double as a worker when Spawn re-executes it.
func TestMain(m *testing.M) {
	child, err := ChildFromEnv()
	if errors.Is(err, ErrNotChild) {
		os.Exit(m.Run())
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(runChild(child))
}

func runChild(c Child) int {
	tbl, err := c.Attach()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	node := dsnet.NewNode(tbl)
	defer node.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := node.Send(ctx, mesh.Parent, dsnet.Started, []byte(fmt.Sprint(os.Getpid()))); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func TestSpawnInheritsPipes(t *testing.T) {
	tables, err := mesh.Build(3)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	g, err := Spawn(ctx, tables, []string{"-test.run=^$"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := mesh.Release(tables[0], tables); err != nil {
		t.Fatal(err)
	}
	node := dsnet.NewNode(tables[0])
	defer node.Close()

	for _, id := range []mesh.ProcessID{1, 2} {
		msg, err := node.AwaitFrom(ctx, id)
		if err != nil {
			t.Fatalf("AwaitFrom(%d): %v", id, err)
		}
		if msg.Type != dsnet.Started || string(msg.Payload) == fmt.Sprint(os.Getpid()) {
			t.Fatalf("process %d sent %v %q", id, msg.Type, msg.Payload)
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestChildFromEnv(t *testing.T) {
	tests := []struct {
		id, procs string
		want      Child
		wantErr   bool
	}{
		{"2", "4", Child{ID: 2, Procs: 4}, false},
		{"0", "4", Child{}, true},
		{"4", "4", Child{}, true},
		{"x", "4", Child{}, true},
		{"1", "", Child{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.id+"/"+tt.procs, func(t *testing.T) {
			t.Setenv(EnvID, tt.id)
			t.Setenv(EnvProcs, tt.procs)
			got, err := ChildFromEnv()
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Fatalf("ChildFromEnv() = %+v, %v", got, err)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"lifecycle", Config{Workers: 3}, true},
		{"mutex", Config{Workers: 3, Mutex: true, Iterations: 2}, true},
		{"bank", Config{Workers: 2, Balances: []bank.Balance{1, 2}}, true},
		{"no workers", Config{}, false},
		{"too many", Config{Workers: MaxWorkers + 1}, false},
		{"balance count", Config{Workers: 2, Balances: []bank.Balance{1}}, false},
		{"bank with mutex", Config{Workers: 1, Mutex: true, Balances: []bank.Balance{1}}, false},
		{"verify without inproc", Config{Workers: 1, Verify: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v", err)
			}
		})
	}
}

func TestParseBalances(t *testing.T) {
	got, err := ParseBalances([]string{"10", "0", "32767"})
	if err != nil || !reflect.DeepEqual(got, []bank.Balance{10, 0, 32767}) {
		t.Fatalf("ParseBalances = %v, %v", got, err)
	}
	for _, bad := range []string{"-1", "ten", "40000"} {
		if _, err := ParseBalances([]string{bad}); err == nil {
			t.Errorf("ParseBalances(%q) should fail", bad)
		}
	}
}
