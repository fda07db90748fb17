package accounting

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// CreateVoucher opens a DRAFT voucher with zero totals and assigns its number.
func (s *Service) CreateVoucher(ctx context.Context, input CreateVoucherInput) (Voucher, error) {
	if err := validateInput(input); err != nil {
		return Voucher{}, err
	}
	var voucher Voucher
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		voucher, err = s.createVoucherTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return Voucher{}, err
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "CREATE_VOUCHER",
		Entity:   "voucher",
		EntityID: fmt.Sprintf("%d", voucher.ID),
		Detail:   fmt.Sprintf("%s voucher %s opened for %s", voucher.Type, voucher.Number, voucher.FiscalYear),
	})
	return voucher, nil
}

func (s *Service) createVoucherTx(ctx context.Context, tx TxRepository, input CreateVoucherInput) (Voucher, error) {
	number, err := s.nextVoucherNumber(ctx, tx, input.OrganizationID, input.FiscalYear, input.Type)
	if err != nil {
		return Voucher{}, err
	}
	now := s.now().UTC()
	return tx.InsertVoucher(ctx, Voucher{
		Number:         number,
		OrganizationID: input.OrganizationID,
		FiscalYear:     input.FiscalYear,
		Type:           input.Type,
		Date:           DateOnly(input.Date),
		ReferenceNo:    input.ReferenceNo,
		ReferenceDate:  input.ReferenceDate,
		Narration:      input.Narration,
		Status:         VoucherStatusDraft,
		DebitTotal:     decimal.Zero,
		CreditTotal:    decimal.Zero,
		CreatedBy:      input.ActorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

// AddEntry attaches a DRAFT line to a DRAFT voucher and advances the
// voucher's running total for the entry's side.
func (s *Service) AddEntry(ctx context.Context, input AddEntryInput) (LedgerEntry, error) {
	if err := validateEntryInput(input); err != nil {
		return LedgerEntry{}, err
	}
	var (
		entry   LedgerEntry
		voucher Voucher
	)
	err := s.withTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		voucher, err = tx.GetVoucherForUpdate(ctx, input.VoucherID)
		if err != nil {
			return err
		}
		entry, err = s.addEntryTx(ctx, tx, &voucher, input)
		return err
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "ADD_ENTRY",
		Entity:   "ledger_entry",
		EntityID: fmt.Sprintf("%d", entry.ID),
		Detail: fmt.Sprintf("%s %s on account %d added to voucher %s as %s",
			entry.EntryType, entry.Amount.StringFixed(2), entry.AccountID, voucher.Number, entry.Number),
	})
	return entry, nil
}

func validateEntryInput(input AddEntryInput) error {
	if err := validateInput(input); err != nil {
		return err
	}
	return checkAmount("Amount", input.Amount)
}

// addEntryTx expects voucher to be locked by the caller; it updates the
// voucher's running totals in place.
func (s *Service) addEntryTx(ctx context.Context, tx TxRepository, voucher *Voucher, input AddEntryInput) (LedgerEntry, error) {
	if voucher.Status != VoucherStatusDraft {
		return LedgerEntry{}, badState("voucher %s is %s, entries can only be added while DRAFT", voucher.Number, voucher.Status)
	}
	account, err := tx.GetAccount(ctx, input.AccountID)
	if err != nil {
		if IsNotFound(err) {
			return LedgerEntry{}, invalid("AccountID", fmt.Sprintf("account %d does not exist", input.AccountID))
		}
		return LedgerEntry{}, err
	}
	if !account.IsActive {
		return LedgerEntry{}, invalid("AccountID", fmt.Sprintf("account %s is inactive", account.Code))
	}
	if account.OrganizationID != voucher.OrganizationID {
		return LedgerEntry{}, invalid("AccountID", fmt.Sprintf("account %s belongs to another organization", account.Code))
	}
	number, err := s.nextEntryNumber(ctx, tx, voucher.OrganizationID, voucher.FiscalYear)
	if err != nil {
		return LedgerEntry{}, err
	}
	txnType := input.TransactionType
	if txnType == "" {
		txnType = string(voucher.Type)
	}
	now := s.now().UTC()
	entry, err := tx.InsertEntry(ctx, LedgerEntry{
		Number:          number,
		OrganizationID:  voucher.OrganizationID,
		FiscalYear:      voucher.FiscalYear,
		TransactionDate: voucher.Date,
		TransactionType: txnType,
		SourceType:      input.SourceType,
		SourceID:        input.SourceID,
		VoucherID:       voucher.ID,
		AccountID:       account.ID,
		EntryType:       input.EntryType,
		Amount:          input.Amount,
		PartyType:       input.PartyType,
		PartyID:         input.PartyID,
		Narration:       input.Narration,
		Status:          EntryStatusDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	debit, credit := voucher.DebitTotal, voucher.CreditTotal
	if input.EntryType == EntryTypeDebit {
		debit = debit.Add(input.Amount)
	} else {
		credit = credit.Add(input.Amount)
	}
	if err := tx.UpdateVoucherTotals(ctx, voucher.ID, debit, credit); err != nil {
		return LedgerEntry{}, err
	}
	voucher.DebitTotal = debit
	voucher.CreditTotal = credit
	voucher.Entries = append(voucher.Entries, entry)
	return entry, nil
}

// GetVoucher returns a voucher together with its entries.
func (s *Service) GetVoucher(ctx context.Context, id int64) (Voucher, error) {
	var voucher Voucher
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		voucher, err = tx.GetVoucher(ctx, id)
		if err != nil {
			return err
		}
		voucher.Entries, err = tx.ListVoucherEntries(ctx, id)
		return err
	})
	return voucher, err
}

// ListVouchers returns vouchers of an organization, newest first.
func (s *Service) ListVouchers(ctx context.Context, filter VoucherFilter) ([]Voucher, error) {
	if filter.OrganizationID <= 0 {
		return nil, invalid("OrganizationID", "organization required")
	}
	filter.Skip, filter.Limit = normalizePage(filter.Skip, filter.Limit)
	var vouchers []Voucher
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		vouchers, err = tx.ListVouchers(ctx, filter)
		return err
	})
	return vouchers, err
}
