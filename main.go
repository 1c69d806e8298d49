package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"v.io/x/lib/cmdline"
	"v.io/x/lib/vlog"

	"github.com/distcodep7/lamportmesh/bank"
	"github.com/distcodep7/lamportmesh/controller"
	"github.com/distcodep7/lamportmesh/dsnet"
	"github.com/distcodep7/lamportmesh/launch"
	"github.com/distcodep7/lamportmesh/mesh"
	"github.com/distcodep7/lamportmesh/testing/harness"
	"github.com/distcodep7/lamportmesh/testing/predicates"
	"github.com/distcodep7/lamportmesh/trace"
	"github.com/distcodep7/lamportmesh/worker"
)

var flags launch.Config

func init() {
	cmdRoot.Flags.IntVar(&flags.Workers, "p", 0, "Number of worker processes.")
	cmdRoot.Flags.BoolVar(&flags.Mutex, "mutex", false, "Guard every loop iteration with the distributed mutex.")
	cmdRoot.Flags.BoolVar(&flags.InProc, "inproc", false, "Run every process as a goroutine of this one.")
	cmdRoot.Flags.BoolVar(&flags.Verify, "verify", false, "Check the recorded run for mutual exclusion, clock consistency and money conservation (needs --inproc).")
	cmdRoot.Flags.IntVar(&flags.Iterations, "iterations", 0, "Loop iterations per worker; 0 means five times the worker id.")
	cmdRoot.Flags.StringVar(&flags.Trace, "trace", "", "Append a JSON line per send, receive and critical section event to this file.")
}

func main() {
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(cmdRoot)
}

var cmdRoot = &cmdline.Command{
	Runner: cmdline.RunnerFunc(runRoot),
	Name:   "lamportmesh",
	Short:  "Runs a group of processes ordered by Lamport clocks",
	Long: `
Command lamportmesh starts a parent and -p worker processes connected by a full
mesh of pipes. Every message carries a Lamport timestamp.

Without balances each worker runs a loop, optionally inside a critical section
guarded by Lamport's mutual exclusion algorithm (--mutex). With one initial
balance per worker the parent instead moves money between the accounts and
prints the balance history of every account.

Example:
 $ lamportmesh -p 3 --mutex
 $ lamportmesh -p 3 10 20 30
`,
	ArgsName: "[balance ...]",
	ArgsLong: "[balance ...] are the initial balances of workers 1..p, enabling the bank demo.",
}

func runRoot(env *cmdline.Env, args []string) error {
	vlog.ConfigureLibraryLoggerFromFlags()

	cfg := flags
	balances, err := launch.ParseBalances(args)
	if err != nil {
		return env.UsageErrorf("%v", err)
	}
	cfg.Balances = balances
	if err := cfg.Validate(); err != nil {
		return env.UsageErrorf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	child, err := launch.ChildFromEnv()
	switch {
	case err == nil:
		return runChild(ctx, env, cfg, child)
	case !errors.Is(err, launch.ErrNotChild):
		return err
	case cfg.InProc:
		return runInProc(ctx, env, cfg)
	}
	return runParent(ctx, env, cfg)
}

func nodeOptions(cfg launch.Config) ([]dsnet.Option, *trace.FileRecorder, error) {
	if cfg.Trace == "" {
		return nil, nil, nil
	}
	rec, err := trace.OpenFile(cfg.Trace)
	if err != nil {
		return nil, nil, err
	}
	return []dsnet.Option{dsnet.WithRecorder(rec)}, rec, nil
}

func runParent(ctx context.Context, env *cmdline.Env, cfg launch.Config) (err error) {
	if cfg.Trace != "" {
		if err := os.WriteFile(cfg.Trace, nil, 0o644); err != nil {
			return fmt.Errorf("reset trace file: %w", err)
		}
	}
	tables, err := mesh.Build(cfg.Procs())
	if err != nil {
		return err
	}
	for _, tbl := range tables {
		vlog.VI(1).Info(tbl)
	}

	group, err := launch.Spawn(ctx, tables, os.Args[1:])
	if err != nil {
		mesh.Release(nil, tables)
		return err
	}
	defer func() {
		if werr := group.Wait(); werr != nil && err == nil {
			err = werr
		}
	}()
	if err := mesh.Release(tables[0], tables); err != nil {
		vlog.Errorf("release worker pipes: %v", err)
	}

	opts, rec, err := nodeOptions(cfg)
	if err != nil {
		group.Stop()
		return err
	}
	if rec != nil {
		defer rec.Close()
	}
	node := dsnet.NewNode(tables[0], opts...)
	defer node.Close()

	history, err := controller.NewParent(node, env.Stdout, cfg.Bank()).Run(ctx)
	if err != nil {
		group.Stop()
		return err
	}
	return printHistory(env, history)
}

func runChild(ctx context.Context, env *cmdline.Env, cfg launch.Config, child launch.Child) error {
	tbl, err := child.Attach()
	if err != nil {
		return err
	}
	opts, rec, err := nodeOptions(cfg)
	if err != nil {
		tbl.Close()
		return err
	}
	if rec != nil {
		defer rec.Close()
	}
	node := dsnet.NewNode(tbl, opts...)
	defer node.Close()

	wcfg := worker.Config{
		Iterations: cfg.Iterations,
		Mutex:      cfg.Mutex,
		Bank:       cfg.Bank(),
		Out:        env.Stdout,
	}
	if cfg.Bank() {
		wcfg.Balance = cfg.Balances[child.ID-1]
	}
	return worker.New(node, wcfg).Run(ctx)
}

func runInProc(ctx context.Context, env *cmdline.Env, cfg launch.Config) error {
	res, err := harness.Run(ctx, harness.Config{
		Workers:    cfg.Workers,
		Mutex:      cfg.Mutex,
		Iterations: cfg.Iterations,
		Balances:   cfg.Balances,
	})
	if res != nil {
		for p := 0; p < cfg.Procs(); p++ {
			fmt.Fprint(env.Stdout, res.Output[mesh.ProcessID(p)])
		}
	}
	if err != nil {
		return err
	}

	if cfg.Trace != "" {
		if err := writeTrace(cfg.Trace, res.Trace); err != nil {
			return err
		}
	}
	if cfg.Verify {
		checks := []func(*harness.Result) error{predicates.ClockMonotonic, predicates.ClockCondition, predicates.Lifecycle}
		if cfg.Mutex {
			checks = append(checks, predicates.MutualExclusion, predicates.SerializedByRequest)
		}
		if cfg.Bank() {
			checks = append(checks, predicates.Conservation)
		}
		for _, check := range checks {
			if err := check(res); err != nil {
				return fmt.Errorf("verify: %w", err)
			}
		}
		fmt.Fprintf(env.Stdout, "verified %d trace events\n", len(res.Trace))
	}
	return printHistory(env, res.History)
}

func writeTrace(path string, events []trace.Event) error {
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return fmt.Errorf("reset trace file: %w", err)
	}
	rec, err := trace.OpenFile(path)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := rec.Record(ev); err != nil {
			rec.Close()
			return err
		}
	}
	return rec.Close()
}

func printHistory(env *cmdline.Env, history bank.AllHistory) error {
	if history == nil {
		return nil
	}
	return history.Print(env.Stdout)
}
