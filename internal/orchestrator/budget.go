package orchestrator

import (
	"errors"
	"sync"
)

// ErrBudgetExhausted gates LLM spending.
var ErrBudgetExhausted = errors.New("orchestrator: budget exhausted")

// Ledger tracks LLM spend against a fixed budget. Every decomposition
// and verification call checks it first.
type Ledger struct {
	mu       sync.Mutex
	limitUSD float64
	spentUSD float64
}

// NewLedger creates a ledger with the given limit. A zero limit means
// unlimited.
func NewLedger(limitUSD float64) *Ledger {
	return &Ledger{limitUSD: limitUSD}
}

// Check returns ErrBudgetExhausted once spend reaches the limit.
func (l *Ledger) Check() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limitUSD > 0 && l.spentUSD >= l.limitUSD {
		return ErrBudgetExhausted
	}
	return nil
}

// Record adds spend to the ledger.
func (l *Ledger) Record(costUSD float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.spentUSD += costUSD
}

// Exhausted reports whether the budget is used up.
func (l *Ledger) Exhausted() bool {
	return l.Check() != nil
}

// Spent returns the recorded spend.
func (l *Ledger) Spent() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spentUSD
}
