package launch

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/distcodep7/lamportmesh/bank"
)

// MaxWorkers is the largest group the CLI accepts.
const MaxWorkers = 10

// Config is the run configuration shared by the parent and its children.
type Config struct {
	Workers    int
	Mutex      bool
	InProc     bool
	Verify     bool
	Iterations int
	Trace      string
	Balances   []bank.Balance
}

// Procs is the size of the group, parent included.
func (c Config) Procs() int { return c.Workers + 1 }

// Bank reports whether the run is the banking demo.
func (c Config) Bank() bool { return len(c.Balances) > 0 }

func (c Config) Validate() error {
	var errs []error
	if c.Workers < 1 || c.Workers > MaxWorkers {
		errs = append(errs, fmt.Errorf("-p must be between 1 and %d, got %d", MaxWorkers, c.Workers))
	}
	if c.Iterations < 0 {
		errs = append(errs, fmt.Errorf("--iterations must not be negative, got %d", c.Iterations))
	}
	if c.Bank() {
		if len(c.Balances) != c.Workers {
			errs = append(errs, fmt.Errorf("got %d balances for %d workers", len(c.Balances), c.Workers))
		}
		if c.Mutex {
			errs = append(errs, errors.New("--mutex cannot be combined with balances"))
		}
	}
	if c.Verify && !c.InProc {
		errs = append(errs, errors.New("--verify needs --inproc"))
	}
	return errors.Join(errs...)
}

// ParseBalances reads the positional initial balances.
func ParseBalances(args []string) ([]bank.Balance, error) {
	balances := make([]bank.Balance, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseInt(a, 10, 16)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid balance %q", a)
		}
		balances = append(balances, bank.Balance(v))
	}
	return balances, nil
}
