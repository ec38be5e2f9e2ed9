package events

import (
	"context"
	"encoding/json"

	"github.com/streadway/amqp"
)

// BudgetEvent represents a deserialized budget mutation event.
type BudgetEvent struct {
	User         string  `json:"userId"`
	CategoryID   *string `json:"categoryId"`
	CategoryName *string `json:"categoryName"`
	Month        int     `json:"month"`
	Year         int     `json:"year"`
}

// Budget is a message handler for budget create and update events. Changing a budget
// changes the spend-to-budget ratio for its own scope, so only that scope is
// re-evaluated.
type Budget struct {
	evaluator StatusEvaluator
	alerter   Alerter
}

// NewBudget returns a new budget event handler.
func NewBudget(evaluator StatusEvaluator, alerter Alerter) *Budget {
	return &Budget{evaluator: evaluator, alerter: alerter}
}

// HandleMessage handles a single budget mutation event.
func (h *Budget) HandleMessage(ctx context.Context, updateType string, delivery amqp.Delivery) error {

	// Parse the message body.
	var event BudgetEvent
	err := json.Unmarshal(delivery.Body, &event)
	if err != nil {
		return NewUnrecoverableError("unable to parse message body: %s", err.Error())
	}
	if event.User == "" {
		return NewUnrecoverableError("budget event is missing the user ID")
	}

	return checkScope(ctx, h.evaluator, h.alerter, event.User, event.Month, event.Year,
		event.CategoryID, event.CategoryName)
}
