// Package bank is the banking client run on top of the mesh: the parent
// orders transfers between worker accounts and each account keeps a balance
// history indexed by Lamport time.
package bank

import (
	"errors"
	"fmt"

	"github.com/distcodep7/lamportmesh/lamport"
	"github.com/distcodep7/lamportmesh/mesh"
)

// MaxHistory bounds the number of states one account keeps.
const MaxHistory = 256

var (
	ErrHistoryFull = errors.New("bank: balance history full")
	ErrMalformed   = errors.New("bank: malformed payload")
	ErrNotParty    = errors.New("bank: process is not a party to the transfer")
)

// Balance is an amount of money.
type Balance int64

// TransferOrder moves Amount from Src to Dst.
type TransferOrder struct {
	Src    mesh.ProcessID
	Dst    mesh.ProcessID
	Amount Balance
}

// BalanceState is the balance of an account at one Lamport time. PendingIn is
// money already sent to the account but not yet received by it.
type BalanceState struct {
	Balance   Balance
	Time      lamport.Timestamp
	PendingIn Balance
}

// BalanceHistory is one account's states for times 0..len-1.
type BalanceHistory struct {
	ID     mesh.ProcessID
	States []BalanceState
}

// At returns the state at time t. Past the end of the history the account is
// assumed unchanged.
func (h BalanceHistory) At(t lamport.Timestamp) BalanceState {
	if len(h.States) == 0 {
		return BalanceState{Time: t}
	}
	if int(t) < len(h.States) {
		return h.States[t]
	}
	last := h.States[len(h.States)-1]
	return BalanceState{Balance: last.Balance, Time: t}
}

// AllHistory gathers the histories of every worker, ordered by id.
type AllHistory []BalanceHistory

// Len is the length of the longest history.
func (a AllHistory) Len() int {
	n := 0
	for _, h := range a {
		n = max(n, len(h.States))
	}
	return n
}

// Total is the money held or in flight at time t.
func (a AllHistory) Total(t lamport.Timestamp) Balance {
	var sum Balance
	for _, h := range a {
		s := h.At(t)
		sum += s.Balance + s.PendingIn
	}
	return sum
}

// CheckConservation verifies that no money appears or vanishes: the total at
// every time equals the total at time 0.
func (a AllHistory) CheckConservation() error {
	want := a.Total(0)
	for t := 1; t < a.Len(); t++ {
		if got := a.Total(lamport.Timestamp(t)); got != want {
			return fmt.Errorf("total at time %d is %d, want %d", t, got, want)
		}
	}
	return nil
}

// Account records the balance history of one worker.
type Account struct {
	id      mesh.ProcessID
	balance Balance
	states  []BalanceState
}

// NewAccount opens an account holding initial at time 0.
func NewAccount(id mesh.ProcessID, initial Balance) *Account {
	return &Account{
		id:      id,
		balance: initial,
		states:  []BalanceState{{Balance: initial}},
	}
}

func (a *Account) Balance() Balance { return a.balance }

// extend fills the history up to and including time t with the current
// balance.
func (a *Account) extend(t lamport.Timestamp) error {
	if int(t) >= MaxHistory {
		return fmt.Errorf("%w: process %d at time %d", ErrHistoryFull, a.id, t)
	}
	for len(a.states) <= int(t) {
		a.states = append(a.states, BalanceState{Balance: a.balance, Time: lamport.Timestamp(len(a.states))})
	}
	return nil
}

// Apply changes the balance by delta at time t and records the states that
// led up to it.
func (a *Account) Apply(t lamport.Timestamp, delta Balance) error {
	if err := a.extend(t); err != nil {
		return err
	}
	a.balance += delta
	for i := int(t); i < len(a.states); i++ {
		a.states[i].Balance = a.balance
	}
	return nil
}

// Receive credits amount at time t for a transfer sent at time sent. The money
// is pending for this account over [sent, t).
func (a *Account) Receive(sent, t lamport.Timestamp, amount Balance) error {
	if err := a.Apply(t, amount); err != nil {
		return err
	}
	for i := sent; i < t; i++ {
		a.states[i].PendingIn += amount
	}
	return nil
}

// Touch records that the account saw an event at time t.
func (a *Account) Touch(t lamport.Timestamp) error { return a.extend(t) }

// History returns a copy of the recorded states.
func (a *Account) History() BalanceHistory {
	return BalanceHistory{ID: a.id, States: append([]BalanceState(nil), a.states...)}
}

// Robbery is the demo transfer plan for workers 1..n: each i passes i to i+1,
// then the last one passes 1 back to the first.
func Robbery(workers int) []TransferOrder {
	var plan []TransferOrder
	for i := 1; i < workers; i++ {
		plan = append(plan, TransferOrder{Src: mesh.ProcessID(i), Dst: mesh.ProcessID(i + 1), Amount: Balance(i)})
	}
	if workers > 1 {
		plan = append(plan, TransferOrder{Src: mesh.ProcessID(workers), Dst: 1, Amount: 1})
	}
	return plan
}
