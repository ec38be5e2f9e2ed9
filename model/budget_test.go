package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestNewBudgetStatus(t *testing.T) {
	assert := assert.New(t)

	status := NewBudgetStatus(decimal.NewFromInt(1000), decimal.NewFromInt(750))
	assert.True(status.Remaining.Equal(decimal.NewFromInt(250)))
	assert.Equal(75.0, status.PercentageUsed)
	assert.False(status.IsOverBudget)
}

func TestNewBudgetStatusOverBudget(t *testing.T) {
	assert := assert.New(t)

	status := NewBudgetStatus(decimal.NewFromInt(1000), decimal.NewFromInt(1050))
	assert.True(status.Remaining.Equal(decimal.NewFromInt(-50)))
	assert.Equal(105.0, status.PercentageUsed)
	assert.True(status.IsOverBudget)
}

func TestNewBudgetStatusExactlyAtBudget(t *testing.T) {
	assert := assert.New(t)

	// Spending exactly the budget amount is not over budget; the comparison is strict.
	status := NewBudgetStatus(decimal.NewFromInt(500), decimal.NewFromInt(500))
	assert.True(status.Remaining.IsZero())
	assert.Equal(100.0, status.PercentageUsed)
	assert.False(status.IsOverBudget)
}

func TestNewBudgetStatusZeroBudget(t *testing.T) {
	assert := assert.New(t)

	// A zero budget yields 0% used regardless of spend, never a division error.
	status := NewBudgetStatus(decimal.Zero, decimal.NewFromInt(42))
	assert.Equal(0.0, status.PercentageUsed)
	assert.True(status.Remaining.Equal(decimal.NewFromInt(-42)))
	assert.True(status.IsOverBudget)
}

func TestNewBudgetStatusFractionalAmounts(t *testing.T) {
	assert := assert.New(t)

	status := NewBudgetStatus(decimal.NewFromFloat(10000), decimal.NewFromFloat(7001))
	assert.InDelta(70.01, status.PercentageUsed, 1e-9)
	assert.False(status.IsOverBudget)
}
