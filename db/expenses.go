package db

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	sq "github.com/Masterminds/squirrel"
)

// SumExpenses totals the user's expenses for the given period. A nil category ID sums
// every expense in the period regardless of category, which is the defined semantics
// for the overall budget scope. A non-nil category ID restricts the sum to expenses
// in that category.
func (s *BudgetSource) SumExpenses(
	ctx context.Context, userID string, month, year int, categoryID *string,
) (decimal.Decimal, error) {
	wrapMsg := fmt.Sprintf("unable to total the expenses for `%s`", userID)

	// Build the query.
	builder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("coalesce(sum(amount), 0)::text").
		From("expenses").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.Expr("date_part('month', logged_at) = ?", month)).
		Where(sq.Expr("date_part('year', logged_at) = ?", year))
	if categoryID != nil {
		builder = builder.Where(sq.Eq{"category_id": *categoryID})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return decimal.Zero, errors.Wrap(err, wrapMsg)
	}

	// Query the database.
	var total string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&total)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, wrapMsg)
	}

	// Parse the total.
	parsed, err := decimal.NewFromString(total)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, wrapMsg)
	}

	return parsed, nil
}
