package accounting

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// Balance returns debits minus credits over the account's POSTED entries,
// optionally restricted to transactions dated on or before asOf. Callers apply
// the account type's sign convention; BalanceDetail does it for them.
func (s *Service) Balance(ctx context.Context, accountID int64, asOf *time.Time) (decimal.Decimal, error) {
	detail, err := s.BalanceDetail(ctx, accountID, asOf)
	if err != nil {
		return decimal.Zero, err
	}
	return detail.Net, nil
}

// BalanceDetail returns the debit and credit components of a balance.
func (s *Service) BalanceDetail(ctx context.Context, accountID int64, asOf *time.Time) (BalanceDetail, error) {
	if accountID <= 0 {
		return BalanceDetail{}, invalid("AccountID", "account id required")
	}
	loader := func(ctx context.Context) (BalanceDetail, error) {
		return s.computeBalance(ctx, accountID, asOf)
	}
	if s.cache == nil {
		return loader(ctx)
	}
	detail, err := s.cache.FetchBalance(ctx, balanceKey(accountID, asOf), loader)
	if err != nil && !IsClientError(err) {
		s.logger.Warn("balance cache unavailable", slog.Int64("account_id", accountID), slog.Any("error", err))
		return loader(ctx)
	}
	return detail, err
}

func (s *Service) computeBalance(ctx context.Context, accountID int64, asOf *time.Time) (BalanceDetail, error) {
	var detail BalanceDetail
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		debit, credit, err := tx.SumPostedEntries(ctx, accountID, endOfDay(asOf))
		if err != nil {
			return err
		}
		net := debit.Sub(credit)
		natural := net
		if !account.Type.DebitNormal() {
			natural = net.Neg()
		}
		detail = BalanceDetail{
			AccountID:   accountID,
			AccountType: account.Type,
			AsOf:        asOf,
			DebitTotal:  debit,
			CreditTotal: credit,
			Net:         net,
			Natural:     natural,
		}
		return nil
	})
	return detail, err
}

// EntriesFor pages through an account's POSTED entries, newest transaction first.
func (s *Service) EntriesFor(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error) {
	if filter.AccountID <= 0 {
		return nil, invalid("AccountID", "account id required")
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, invalid("From", "from is after to")
	}
	filter.Skip, filter.Limit = normalizePage(filter.Skip, filter.Limit)
	filter.From = startOfDay(filter.From)
	filter.To = endOfDay(filter.To)
	var entries []LedgerEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetAccount(ctx, filter.AccountID); err != nil {
			return err
		}
		var err error
		entries, err = tx.ListPostedEntries(ctx, filter)
		return err
	})
	return entries, err
}

// endOfDay turns an inclusive date bound into the last instant of that day.
func endOfDay(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := DateOnly(*t).Add(24*time.Hour - time.Nanosecond)
	return &v
}

func startOfDay(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := DateOnly(*t)
	return &v
}
