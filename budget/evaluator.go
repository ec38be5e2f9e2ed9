// Package budget evaluates spending against budgets and decides when a user should
// be alerted.
package budget

import (
	"context"
	"fmt"

	"github.com/cyverse-de/budget-alerts/db"
	"github.com/cyverse-de/budget-alerts/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrNoBudget is returned by Evaluate when no budget exists for the requested scope.
// Callers must treat this as "no alert possible" rather than a failure.
var ErrNoBudget = errors.New("no budget defined for the requested scope")

// DataSource provides the budget amount and expense total for a scope.
type DataSource interface {
	GetBudget(ctx context.Context, userID string, month, year int, categoryID *string) (decimal.Decimal, error)
	SumExpenses(ctx context.Context, userID string, month, year int, categoryID *string) (decimal.Decimal, error)
}

// Evaluator computes budget statuses from a data source.
type Evaluator struct {
	src DataSource
}

// NewEvaluator returns an evaluator backed by the given data source.
func NewEvaluator(src DataSource) *Evaluator {
	return &Evaluator{src: src}
}

// Evaluate computes the budget status for a single scope. A nil category ID selects
// the overall budget, whose spend total covers every expense in the period rather
// than just uncategorized ones.
func (e *Evaluator) Evaluate(
	ctx context.Context, userID string, month, year int, categoryID *string,
) (*model.BudgetStatus, error) {
	wrapMsg := fmt.Sprintf("unable to evaluate the budget status for `%s`", userID)

	// Look up the budget for the scope. A missing budget suppresses alerting.
	amount, err := e.src.GetBudget(ctx, userID, month, year, categoryID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNoBudget
	}
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Total the spending for the scope.
	spent, err := e.src.SumExpenses(ctx, userID, month, year, categoryID)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	status := model.NewBudgetStatus(amount, spent)
	return &status, nil
}
