package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	sq "github.com/Masterminds/squirrel"
)

// BudgetSource reads budget amounts and expense totals for budget status evaluation.
type BudgetSource struct {
	db *sql.DB
}

// NewBudgetSource returns a budget source backed by the given database connection.
func NewBudgetSource(db *sql.DB) *BudgetSource {
	return &BudgetSource{db: db}
}

// GetBudget looks up the amount of the single budget matching the user, period, and
// category. A nil category ID selects the overall budget row, which is a distinct row
// from any per-category budget. ErrNotFound is returned if no budget exists for the
// scope.
func (s *BudgetSource) GetBudget(
	ctx context.Context, userID string, month, year int, categoryID *string,
) (decimal.Decimal, error) {
	wrapMsg := fmt.Sprintf("unable to look up the budget for `%s`", userID)

	// Build the query.
	builder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("amount::text").
		From("budgets").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.Eq{"month": month}).
		Where(sq.Eq{"year": year})
	if categoryID == nil {
		builder = builder.Where(sq.Eq{"category_id": nil})
	} else {
		builder = builder.Where(sq.Eq{"category_id": *categoryID})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return decimal.Zero, errors.Wrap(err, wrapMsg)
	}

	// Query the database.
	var amount string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&amount)
	if err == sql.ErrNoRows {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, errors.Wrap(err, wrapMsg)
	}

	// Parse the amount.
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, wrapMsg)
	}

	return parsed, nil
}
