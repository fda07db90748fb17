package accounting

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// FiscalTotals aggregates posted amounts of one organization and fiscal year.
type FiscalTotals struct {
	OrganizationID int64           `json:"organization_id"`
	FiscalYear     string          `json:"fiscal_year"`
	Debit          decimal.Decimal `json:"debit"`
	Credit         decimal.Decimal `json:"credit"`
}

// Difference is debit minus credit.
func (t FiscalTotals) Difference() decimal.Decimal {
	return t.Debit.Sub(t.Credit)
}

// VoucherImbalance reports a POSTED voucher whose entries no longer balance.
type VoucherImbalance struct {
	VoucherID      int64           `json:"voucher_id"`
	Number         string          `json:"number"`
	OrganizationID int64           `json:"organization_id"`
	Debit          decimal.Decimal `json:"debit"`
	Credit         decimal.Decimal `json:"credit"`
}

// IntegrityReport is the outcome of a general ledger integrity check.
type IntegrityReport struct {
	CheckedAt  time.Time          `json:"checked_at"`
	Totals     []FiscalTotals     `json:"totals"`
	Unbalanced []VoucherImbalance `json:"unbalanced"`
}

// Healthy reports whether every fiscal year and voucher balances within tolerance.
func (r IntegrityReport) Healthy(tolerance decimal.Decimal) bool {
	if len(r.Unbalanced) > 0 {
		return false
	}
	for _, t := range r.Totals {
		if t.Difference().Abs().GreaterThan(tolerance) {
			return false
		}
	}
	return true
}

// CheckIntegrity recomputes posted totals per organization and fiscal year and
// lists posted vouchers whose entries do not balance. Reversed entries are
// counted so that a voucher is judged on what was originally posted.
// organizationID 0 checks every organization.
func (s *Service) CheckIntegrity(ctx context.Context, organizationID int64) (IntegrityReport, error) {
	report := IntegrityReport{CheckedAt: s.now().UTC()}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		report.Totals, err = tx.PostedTotals(ctx, organizationID)
		if err != nil {
			return err
		}
		report.Unbalanced, err = tx.UnbalancedVouchers(ctx, organizationID, s.tolerance)
		return err
	})
	return report, err
}

// Tolerance returns the posting tolerance in use.
func (s *Service) Tolerance() decimal.Decimal {
	return s.tolerance
}
