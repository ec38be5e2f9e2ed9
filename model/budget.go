package model

import "github.com/shopspring/decimal"

// BudgetStatus describes how a user's spending compares to a single budget.
// It's computed on demand and never stored.
type BudgetStatus struct {
	BudgetAmount   decimal.Decimal `json:"budgetAmount"`
	SpentAmount    decimal.Decimal `json:"spentAmount"`
	Remaining      decimal.Decimal `json:"remaining"`
	PercentageUsed float64         `json:"percentageUsed"`
	IsOverBudget   bool            `json:"isOverBudget"`
}

// NewBudgetStatus computes the budget status for the given budget amount and total spend.
// A zero budget amount yields a percentage of 0 rather than a division error. The
// percentage is not clamped; spending past the budget pushes it above 100.
func NewBudgetStatus(amount, spent decimal.Decimal) BudgetStatus {
	status := BudgetStatus{
		BudgetAmount: amount,
		SpentAmount:  spent,
		Remaining:    amount.Sub(spent),
		IsOverBudget: spent.GreaterThan(amount),
	}
	if !amount.IsZero() {
		status.PercentageUsed = spent.Mul(decimal.NewFromInt(100)).Div(amount).InexactFloat64()
	}
	return status
}
