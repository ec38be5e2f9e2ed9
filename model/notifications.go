package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Kind identifies the type of a notification. The set of kinds is closed; each kind
// determines the shape of the notification payload.
type Kind string

// The notification kinds recognized by this service.
const (
	KindBudgetWarning  Kind = "budget_warning"
	KindBudgetExceeded Kind = "budget_exceeded"
	KindExpenseCreated Kind = "expense_created"
	KindExpenseUpdated Kind = "expense_updated"
	KindGeneral        Kind = "general"
)

// Payload is implemented by every notification payload type.
type Payload interface {
	payloadKind() Kind
}

// BudgetAlertPayload accompanies budget warning and budget exceeded notifications.
type BudgetAlertPayload struct {
	Category     *string      `json:"category"`
	BudgetStatus BudgetStatus `json:"budgetStatus"`
}

func (BudgetAlertPayload) payloadKind() Kind { return KindBudgetWarning }

// ExpensePayload accompanies expense created and expense updated notifications.
type ExpensePayload struct {
	ExpenseID   string          `json:"expenseId"`
	Amount      decimal.Decimal `json:"amount"`
	Category    *string         `json:"category"`
	Description string          `json:"description"`
}

func (ExpensePayload) payloadKind() Kind { return KindExpenseCreated }

// GeneralPayload carries arbitrary JSON for general notifications.
type GeneralPayload struct {
	Data json.RawMessage
}

func (GeneralPayload) payloadKind() Kind { return KindGeneral }

// MarshalJSON serializes the payload as its raw JSON, not as a wrapping object, so
// a stored payload reads back exactly as it was written.
func (p GeneralPayload) MarshalJSON() ([]byte, error) {
	if len(p.Data) == 0 {
		return []byte("null"), nil
	}
	return p.Data, nil
}

// UnmarshalJSON captures the raw JSON unchanged.
func (p *GeneralPayload) UnmarshalJSON(data []byte) error {
	p.Data = append(json.RawMessage(nil), data...)
	return nil
}

// Notification is a single notification owned by one user. The ID and creation time
// are assigned when the notification is persisted; a notification that could not be
// persisted carries a locally generated ID instead.
type Notification struct {
	ID          string
	Kind        Kind
	Title       string
	Message     string
	User        string
	Payload     Payload
	TimeCreated time.Time
	Seen        bool
}

// wireNotification is the JSON representation sent to clients and stored alongside
// the notification row. The field names match the original wire format.
type wireNotification struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"type"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	User        string          `json:"userId"`
	Data        json.RawMessage `json:"data,omitempty"`
	TimeCreated time.Time       `json:"createdAt"`
	Seen        bool            `json:"isRead"`
}

// MarshalJSON serializes the notification as kind plus payload.
func (n *Notification) MarshalJSON() ([]byte, error) {
	data, err := MarshalPayload(n.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&wireNotification{
		ID:          n.ID,
		Kind:        n.Kind,
		Title:       n.Title,
		Message:     n.Message,
		User:        n.User,
		Data:        data,
		TimeCreated: n.TimeCreated,
		Seen:        n.Seen,
	})
}

// UnmarshalJSON deserializes a notification, decoding the payload according to the kind.
func (n *Notification) UnmarshalJSON(data []byte) error {
	var wire wireNotification
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	payload, err := UnmarshalPayload(wire.Kind, wire.Data)
	if err != nil {
		return err
	}
	n.ID = wire.ID
	n.Kind = wire.Kind
	n.Title = wire.Title
	n.Message = wire.Message
	n.User = wire.User
	n.Payload = payload
	n.TimeCreated = wire.TimeCreated
	n.Seen = wire.Seen
	return nil
}

// MarshalPayload serializes a notification payload. A nil payload serializes to nothing.
func MarshalPayload(payload Payload) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "unable to marshal the notification payload")
	}
	return data, nil
}

// UnmarshalPayload deserializes a notification payload according to the notification kind.
func UnmarshalPayload(kind Kind, data []byte) (Payload, error) {
	wrapMsg := fmt.Sprintf("unable to unmarshal the payload for a `%s` notification", kind)

	if len(data) == 0 {
		return nil, nil
	}

	switch kind {
	case KindBudgetWarning, KindBudgetExceeded:
		var payload BudgetAlertPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, errors.Wrap(err, wrapMsg)
		}
		return payload, nil
	case KindExpenseCreated, KindExpenseUpdated:
		var payload ExpensePayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, errors.Wrap(err, wrapMsg)
		}
		return payload, nil
	case KindGeneral:
		return GeneralPayload{Data: append(json.RawMessage(nil), data...)}, nil
	default:
		return nil, fmt.Errorf("unrecognized notification kind: %s", kind)
	}
}

// NewBudgetAlert builds a budget warning or budget exceeded notification for the
// given scope. The category name is nil for the overall budget.
func NewBudgetAlert(user string, categoryName *string, status BudgetStatus) *Notification {
	categoryText := ""
	if categoryName != nil {
		categoryText = fmt.Sprintf(" for %s", *categoryName)
	}

	kind := KindBudgetWarning
	title := "Budget Alert"
	message := fmt.Sprintf(
		"You've used %d%% of your budget%s. %s remaining.",
		int(math.Round(status.PercentageUsed)), categoryText, status.Remaining.StringFixed(2),
	)
	if status.IsOverBudget {
		kind = KindBudgetExceeded
		title = "Budget Exceeded"
		message = fmt.Sprintf(
			"You've exceeded your budget%s by %s.",
			categoryText, status.Remaining.Abs().StringFixed(2),
		)
	}

	return &Notification{
		Kind:    kind,
		Title:   title,
		Message: message,
		User:    user,
		Payload: BudgetAlertPayload{Category: categoryName, BudgetStatus: status},
	}
}

// NewExpenseNotification builds a notification describing an expense that was just
// created or updated.
func NewExpenseNotification(
	user, expenseID string, amount decimal.Decimal, categoryName *string, description string, updated bool,
) *Notification {
	categoryText := ""
	if categoryName != nil {
		categoryText = fmt.Sprintf(" in %s", *categoryName)
	}
	descriptionText := ""
	if description != "" {
		descriptionText = fmt.Sprintf(": %s", description)
	}

	kind := KindExpenseCreated
	title := "Expense Added"
	action := "created"
	if updated {
		kind = KindExpenseUpdated
		title = "Expense Updated"
		action = "updated"
	}

	return &Notification{
		Kind:    kind,
		Title:   title,
		Message: fmt.Sprintf("%s expense %s%s%s", amount.StringFixed(2), action, categoryText, descriptionText),
		User:    user,
		Payload: ExpensePayload{
			ExpenseID:   expenseID,
			Amount:      amount,
			Category:    categoryName,
			Description: description,
		},
	}
}
