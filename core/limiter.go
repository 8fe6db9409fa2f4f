package core

import (
	"fmt"
	"sync"
)

// Budget is a cost allowance. A zero Limit means unlimited.
type Budget struct {
	Limit float64 `json:"limit"`
	Spent float64 `json:"spent"`
}

// Limited reports whether the budget caps spending.
func (b Budget) Limited() bool { return b.Limit > 0 }

// Remaining returns the unspent allowance, or -1 when unlimited.
func (b Budget) Remaining() float64 {
	if !b.Limited() {
		return -1
	}

	return b.Limit - b.Spent
}

// Exhausted reports whether nothing is left to spend.
func (b Budget) Exhausted() bool { return b.Limited() && b.Spent >= b.Limit }

// Allows reports whether a call of the given estimated cost fits.
func (b Budget) Allows(cost float64) bool {
	if !b.Limited() {
		return true
	}

	return b.Spent+cost <= b.Limit
}

// BudgetLimiter tracks spending across the actions of one cycle. Parallel
// tool calls charge it concurrently.
type BudgetLimiter struct {
	mu     sync.Mutex
	budget Budget
}

// NewBudgetLimiter creates a limiter starting from b.
func NewBudgetLimiter(b Budget) *BudgetLimiter {
	return &BudgetLimiter{budget: b}
}

// Charge adds cost to the spent amount and returns an error if the limit is
// now exceeded. The cost is always charged: it was already incurred.
func (bl *BudgetLimiter) Charge(cost float64) error {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	bl.budget.Spent += cost
	if bl.budget.Limited() && bl.budget.Spent > bl.budget.Limit {
		return fmt.Errorf("exceeded budget: spent %.2f of %.2f", bl.budget.Spent, bl.budget.Limit)
	}

	return nil
}

// Budget returns the current budget.
func (bl *BudgetLimiter) Budget() Budget {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	return bl.budget
}
