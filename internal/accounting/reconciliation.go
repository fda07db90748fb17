package accounting

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// StatementLine is one line of an external bank or gateway statement.
type StatementLine struct {
	Date      time.Time
	Reference string
	Amount    decimal.Decimal
	Narration string
}

// ReconciliationResult pairs statement lines with ledger entries.
type ReconciliationResult struct {
	Matched   map[int]int64
	Unmatched []StatementLine
}

// Reconciler matches external statements against an account's posted entries.
// The ledger defines the port only.
type Reconciler interface {
	Reconcile(ctx context.Context, accountID int64, lines []StatementLine) (ReconciliationResult, error)
}
