package accounting

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// PostVoucher validates a DRAFT voucher and commits it together with all of
// its entries as POSTED. Nothing changes when any check fails.
func (s *Service) PostVoucher(ctx context.Context, voucherID, actorID int64) (Voucher, error) {
	if voucherID <= 0 {
		return Voucher{}, invalid("VoucherID", "voucher id required")
	}
	if actorID <= 0 {
		return Voucher{}, invalid("ActorID", "posting actor required")
	}
	var voucher Voucher
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		voucher, err = s.postVoucherTx(ctx, tx, voucherID, actorID)
		return err
	})
	if err != nil {
		s.rejected(err)
		return Voucher{}, err
	}
	s.posted(ctx, voucher, actorID, "POST_VOUCHER")
	return voucher, nil
}

func (s *Service) postVoucherTx(ctx context.Context, tx TxRepository, voucherID, actorID int64) (Voucher, error) {
	voucher, err := tx.GetVoucherForUpdate(ctx, voucherID)
	if err != nil {
		return Voucher{}, err
	}
	if voucher.Status != VoucherStatusDraft {
		return Voucher{}, badState("voucher %s is already %s", voucher.Number, voucher.Status)
	}
	entries, err := tx.ListVoucherEntries(ctx, voucher.ID)
	if err != nil {
		return Voucher{}, err
	}
	if len(entries) == 0 {
		return Voucher{}, fmt.Errorf("%w: voucher %s", ErrEmptyVoucher, voucher.Number)
	}
	// Totals are recomputed from the entry set; the running totals are only a convenience.
	debit, credit := sumEntries(entries)
	if diff := debit.Sub(credit).Abs(); diff.GreaterThan(s.tolerance) {
		return Voucher{}, &BalanceError{
			VoucherNumber: voucher.Number,
			Debit:         debit,
			Credit:        credit,
			Difference:    diff,
		}
	}
	postedAt := s.now().UTC()
	if err := tx.MarkVoucherPosted(ctx, voucher.ID, actorID, postedAt, debit, credit); err != nil {
		return Voucher{}, err
	}
	n, err := tx.MarkVoucherEntriesPosted(ctx, voucher.ID)
	if err != nil {
		return Voucher{}, err
	}
	if n != int64(len(entries)) {
		return Voucher{}, fmt.Errorf("%w: voucher %s posted %d of %d entries", ErrConcurrentModification, voucher.Number, n, len(entries))
	}
	voucher.Status = VoucherStatusPosted
	voucher.DebitTotal = debit
	voucher.CreditTotal = credit
	voucher.PostedBy = &actorID
	voucher.PostedAt = &postedAt
	voucher.UpdatedAt = postedAt
	for i := range entries {
		entries[i].Status = EntryStatusPosted
		entries[i].UpdatedAt = postedAt
	}
	voucher.Entries = entries
	return voucher, nil
}

func sumEntries(entries []LedgerEntry) (decimal.Decimal, decimal.Decimal) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, e := range entries {
		if e.EntryType == EntryTypeDebit {
			debit = debit.Add(e.Amount)
		} else {
			credit = credit.Add(e.Amount)
		}
	}
	return debit, credit
}

func (s *Service) posted(ctx context.Context, voucher Voucher, actorID int64, action string) {
	if s.metrics != nil {
		s.metrics.VoucherPosted(string(voucher.Type))
	}
	s.bumpCache(ctx)
	s.record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "voucher",
		EntityID: fmt.Sprintf("%d", voucher.ID),
		Detail:   fmt.Sprintf("voucher %s posted with %d entries", voucher.Number, len(voucher.Entries)),
		Meta: map[string]any{
			"number":       voucher.Number,
			"entry_count":  len(voucher.Entries),
			"debit_total":  voucher.DebitTotal.StringFixed(2),
			"credit_total": voucher.CreditTotal.StringFixed(2),
		},
	})
}

func (s *Service) rejected(err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.PostingRejected(rejectionReason(err))
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrSourceAlreadyPosted):
		return "duplicate"
	case errors.Is(err, ErrBalance):
		return "unbalanced"
	case errors.Is(err, ErrEmptyVoucher):
		return "empty"
	case errors.Is(err, ErrState):
		return "state"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "error"
	}
}
