package core

// CategoryAmount represents an amount aggregated by category name.
type CategoryAmount struct {
	Name   string
	Amount Money
}

// Dashboard is the landing page summary. Balance and totals come from the
// backend; PendingCount counts local submissions not yet synced.
type Dashboard struct {
	Balance      Money
	MonthSpent   Money
	Year         int
	Month        int
	ByCategory   []CategoryAmount
	Recent       []Expense
	PendingCount int
}
