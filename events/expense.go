package events

import (
	"context"
	"encoding/json"

	"github.com/cyverse-de/budget-alerts/budget"
	"github.com/cyverse-de/budget-alerts/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/streadway/amqp"
)

// StatusEvaluator computes the budget status for a scope.
type StatusEvaluator interface {
	Evaluate(ctx context.Context, userID string, month, year int, categoryID *string) (*model.BudgetStatus, error)
}

// ExpenseEvent represents a deserialized expense mutation event.
type ExpenseEvent struct {
	User         string          `json:"userId"`
	ExpenseID    string          `json:"expenseId"`
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description"`
	CategoryID   *string         `json:"categoryId"`
	CategoryName *string         `json:"categoryName"`
	Month        int             `json:"month"`
	Year         int             `json:"year"`
}

// Expense is a message handler for expense create and update events. Each event
// produces an expense notification, and the expense's own category scope and the
// overall scope are each re-evaluated for budget alerts, so a single mutation can
// raise up to two alerts.
type Expense struct {
	evaluator StatusEvaluator
	alerter   Alerter
}

// NewExpense returns a new expense event handler.
func NewExpense(evaluator StatusEvaluator, alerter Alerter) *Expense {
	return &Expense{evaluator: evaluator, alerter: alerter}
}

// HandleMessage handles a single expense mutation event.
func (h *Expense) HandleMessage(ctx context.Context, updateType string, delivery amqp.Delivery) error {

	// Parse the message body.
	var event ExpenseEvent
	err := json.Unmarshal(delivery.Body, &event)
	if err != nil {
		return NewUnrecoverableError("unable to parse message body: %s", err.Error())
	}
	if event.User == "" {
		return NewUnrecoverableError("expense event is missing the user ID")
	}

	// Tell the user about the expense itself. On a redelivery the expense
	// notification already went out before the evaluation failed, so dispatching it
	// again would hand the user a duplicate under a fresh ID.
	if !delivery.Redelivered {
		h.alerter.Dispatch(event.User, model.NewExpenseNotification(
			event.User, event.ExpenseID, event.Amount, event.CategoryName, event.Description,
			updateType == "updated",
		))
	}

	// Check the expense's own category scope, if it has one, and then the overall
	// scope. The two scopes are evaluated independently.
	if event.CategoryID != nil {
		if err := checkScope(ctx, h.evaluator, h.alerter, event.User, event.Month, event.Year,
			event.CategoryID, event.CategoryName); err != nil {
			return err
		}
	}
	return checkScope(ctx, h.evaluator, h.alerter, event.User, event.Month, event.Year, nil, nil)
}

// checkScope evaluates a single budget scope and dispatches an alert if the policy
// calls for one. A scope with no budget defined is silently skipped.
func checkScope(
	ctx context.Context, evaluator StatusEvaluator, alerter Alerter,
	user string, month, year int, categoryID, categoryName *string,
) error {
	status, err := evaluator.Evaluate(ctx, user, month, year, categoryID)
	if errors.Is(err, budget.ErrNoBudget) {
		return nil
	}
	if err != nil {
		return NewRecoverableError("unable to evaluate the budget status: %s", err.Error())
	}

	if budget.Decide(nil, *status) == budget.SeverityNone {
		return nil
	}
	alerter.Dispatch(user, model.NewBudgetAlert(user, categoryName, *status))
	return nil
}
