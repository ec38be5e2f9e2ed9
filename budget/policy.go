package budget

import "github.com/cyverse-de/budget-alerts/model"

// Severity indicates whether a budget status warrants an alert, and how urgent it is.
type Severity int

// The possible alert decisions, in increasing order of urgency.
const (
	SeverityNone Severity = iota
	SeverityWarning
	SeverityExceeded
)

// String returns a human-readable name for a severity.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityExceeded:
		return "exceeded"
	default:
		return "none"
	}
}

// WarningPercentage is the spend-to-budget percentage above which a warning is raised.
// The comparison is strict: exactly this percentage raises nothing.
const WarningPercentage = 70.0

// Decide determines whether an alert should be raised for a freshly evaluated budget
// status. The decision is stateless per call: every mutation that leaves a scope over
// its warning threshold raises a fresh alert, even if an identical alert was raised
// for the previous mutation. The prior status is accepted but not currently consulted.
func Decide(before *model.BudgetStatus, after model.BudgetStatus) Severity {
	_ = before

	if after.IsOverBudget {
		return SeverityExceeded
	}
	if after.PercentageUsed > WarningPercentage {
		return SeverityWarning
	}
	return SeverityNone
}
