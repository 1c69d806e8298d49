// Package launch starts the worker processes of a group. The parent builds
// the mesh, then re-executes its own binary once per worker with that
// worker's pipe ends inherited from descriptor 3 on.
package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"v.io/x/lib/vlog"

	"github.com/distcodep7/lamportmesh/mesh"
)

const (
	EnvID    = "LAMPORTMESH_ID"
	EnvProcs = "LAMPORTMESH_PROCS"

	// FirstFD is where ExtraFiles start in the child.
	FirstFD = 3

	stopGrace = 3 * time.Second
)

var ErrNotChild = errors.New("launch: not a child process")

// Group is the set of running worker processes.
type Group struct {
	cmds map[mesh.ProcessID]*exec.Cmd
}

// Spawn starts one child per worker table, passing args through unchanged.
// Each child inherits only its own descriptors; the parent keeps none of
// them. Cancelling ctx sends SIGTERM and kills after a grace period.
func Spawn(ctx context.Context, tables []*mesh.Table, args []string) (*Group, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	g := &Group{cmds: make(map[mesh.ProcessID]*exec.Cmd)}
	for _, tbl := range tables {
		if tbl.Self() == mesh.Parent {
			continue
		}
		files, err := tbl.Detach()
		if err != nil {
			g.Stop()
			return nil, err
		}
		cmd := exec.CommandContext(ctx, exe, args...)
		cmd.Env = append(os.Environ(),
			EnvID+"="+strconv.Itoa(int(tbl.Self())),
			EnvProcs+"="+strconv.Itoa(tbl.Size()))
		cmd.ExtraFiles = files
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
		cmd.WaitDelay = stopGrace

		err = cmd.Start()
		for _, f := range files {
			f.Close()
		}
		if err != nil {
			g.Stop()
			return nil, fmt.Errorf("start process %d: %w", tbl.Self(), err)
		}
		vlog.VI(1).Infof("started process %d as pid %d", tbl.Self(), cmd.Process.Pid)
		g.cmds[tbl.Self()] = cmd
	}
	return g, nil
}

// Wait waits for every child and reports the ones that failed.
func (g *Group) Wait() error {
	var errs []error
	for id, cmd := range g.cmds {
		if err := cmd.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("process %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Stop asks every running child to terminate.
func (g *Group) Stop() {
	for id, cmd := range g.cmds {
		if cmd.Process == nil || cmd.ProcessState != nil {
			continue
		}
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			vlog.Errorf("signal process %d: %v", id, err)
		}
	}
}

// Child identifies the current process when it was started by Spawn.
type Child struct {
	ID    mesh.ProcessID
	Procs int
}

// ChildFromEnv reports the child identity, or ErrNotChild for the parent.
func ChildFromEnv() (Child, error) {
	idStr, ok := os.LookupEnv(EnvID)
	if !ok {
		return Child{}, ErrNotChild
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return Child{}, fmt.Errorf("%s=%q: %w", EnvID, idStr, err)
	}
	procs, err := strconv.Atoi(os.Getenv(EnvProcs))
	if err != nil {
		return Child{}, fmt.Errorf("%s=%q: %w", EnvProcs, os.Getenv(EnvProcs), err)
	}
	if id <= int(mesh.Parent) || id >= procs {
		return Child{}, fmt.Errorf("process id %d out of range for %d processes", id, procs)
	}
	return Child{ID: mesh.ProcessID(id), Procs: procs}, nil
}

// Attach rebuilds the child's endpoint table from its inherited descriptors.
func (c Child) Attach() (*mesh.Table, error) {
	return mesh.Attach(c.ID, c.Procs, FirstFD)
}
